package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethpandaops/ercxoor/pkg/catalog"
	"github.com/ethpandaops/ercxoor/pkg/config"
	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/solidity"
	"github.com/ethpandaops/ercxoor/pkg/testtree"
	"github.com/spf13/cobra"
)

var (
	contractName string
	standardFlag string
)

// addTargetFlags registers the flags selecting what a tree is built for.
func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&contractName, "contract", "",
		"contract to test (default: first non-abstract contract in the file)")
	cmd.Flags().StringVar(&standardFlag, "standard", "",
		"ERC standard (overrides tests.standard)")
}

// loadConfig loads and validates the configuration. Files are optional:
// defaults and ERCXOOR_* variables are enough for most commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if standardFlag != "" {
		cfg.Tests.Standard = ercx.Standard(strings.ToUpper(standardFlag))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func newClient(cfg *config.Config) ercx.Client {
	return ercx.NewClient(log, &ercx.ClientConfig{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.APIKey,
		UserAgent:         userAgent(),
		Timeout:           cfg.API.Timeout,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	})
}

// workbench holds the components shared by the commands that build trees.
type workbench struct {
	cfg        *config.Config
	client     ercx.Client
	controller testtree.Controller
}

func newWorkbench(cfg *config.Config) *workbench {
	client := newClient(cfg)

	return &workbench{
		cfg:    cfg,
		client: client,
		controller: testtree.NewController(
			log,
			catalog.New(log, client),
			solidity.NewSolcCompiler(log, cfg.Compiler.SolcPath),
		),
	}
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	return abs
}

// build reads path and builds its tree for the selected contract. The
// returned name is the contract the tree targets.
func (w *workbench) build(ctx context.Context, path, want string) (*testtree.Node, string, error) {
	abs := absPath(path)

	text, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}

	contract, err := selectContract(text, want)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}

	root, err := w.controller.BuildTree(
		ctx,
		testtree.Document{Path: abs, Text: text},
		contract.Range,
		contract.Name,
		w.cfg.Tests.Standard,
	)
	if err != nil {
		return nil, "", err
	}

	return root, contract.Name, nil
}

// selectContract picks want, or the first non-abstract contract when want
// is empty.
func selectContract(source []byte, want string) (solidity.Contract, error) {
	contracts := solidity.FindContracts(source)
	if len(contracts) == 0 {
		return solidity.Contract{}, fmt.Errorf("no contract declaration found")
	}

	if want == "" {
		c, ok := solidity.FirstConcrete(contracts)
		if !ok {
			return solidity.Contract{}, fmt.Errorf("only abstract contracts found, select one with --contract")
		}

		return c, nil
	}

	for _, c := range contracts {
		if c.Name == want {
			return c, nil
		}
	}

	return solidity.Contract{}, fmt.Errorf("contract %q not found", want)
}
