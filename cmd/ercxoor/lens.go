package main

import (
	"fmt"
	"os"

	"github.com/ethpandaops/ercxoor/pkg/console"
	"github.com/ethpandaops/ercxoor/pkg/solidity"
	"github.com/spf13/cobra"
)

var lensCmd = &cobra.Command{
	Use:   "lens <file.sol>",
	Short: "List the contract declarations a test run can target",
	Args:  cobra.ExactArgs(1),
	RunE:  runLens,
}

func init() {
	rootCmd.AddCommand(lensCmd)
}

func runLens(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.CodeLens.Enabled {
		log.Info("Code lenses are disabled (code_lens.enabled)")

		return nil
	}

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	console.RenderContracts(os.Stdout, args[0], solidity.FindContracts(source))

	return nil
}
