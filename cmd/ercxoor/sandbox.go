package main

import (
	"fmt"

	"github.com/ethpandaops/ercxoor/pkg/sandbox"
	"github.com/spf13/cobra"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Start the local evaluation service stand-in",
	Long: `Start an HTTP server that answers the evaluation API from a fixture
file, for developing hosts and running the tool without the real service.`,
	RunE: runSandbox,
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <key>",
	Short: "Print the bcrypt hash to list under sandbox.api_key_hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := sandbox.HashAPIKey(args[0])
		if err != nil {
			return fmt.Errorf("hashing key: %w", err)
		}

		fmt.Println(hash)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(sandboxCmd)
	sandboxCmd.AddCommand(hashKeyCmd)
}

func runSandbox(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Sandbox.Validate(); err != nil {
		return fmt.Errorf("validating sandbox config: %w", err)
	}

	fixture, err := sandbox.LoadFixture(cfg.Sandbox.Fixture)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := sandbox.NewServer(log, &cfg.Sandbox, fixture)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}

	log.WithField("base_url", "http://"+srv.Addr()+sandbox.APIPrefix).
		Info("Point api.base_url here to use the sandbox")

	<-ctx.Done()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping sandbox: %w", err)
	}

	return nil
}
