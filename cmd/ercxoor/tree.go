package main

import (
	"fmt"
	"os"

	"github.com/ethpandaops/ercxoor/pkg/console"
	"github.com/spf13/cobra"
)

var treeCmd = &cobra.Command{
	Use:   "tree <file.sol>",
	Short: "Print the conformance test tree of a contract",
	Args:  cobra.ExactArgs(1),
	RunE:  runTree,
}

func init() {
	rootCmd.AddCommand(treeCmd)
	addTargetFlags(treeCmd)
}

func runTree(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	root, _, err := newWorkbench(cfg).build(ctx, args[0], contractName)
	if err != nil {
		return fmt.Errorf("building tree: %w", err)
	}

	console.RenderTree(os.Stdout, root)

	return nil
}
