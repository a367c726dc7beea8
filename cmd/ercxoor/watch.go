package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethpandaops/ercxoor/pkg/console"
	"github.com/ethpandaops/ercxoor/pkg/workspace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var watchQuiet bool

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Build test trees for a workspace and rebuild them on change",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addTargetFlags(watchCmd)
	watchCmd.Flags().BoolVar(&watchQuiet, "quiet", false,
		"log rebuilds without printing trees")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	dir := args[0]

	files, err := workspace.Discover(dir)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"dir":      dir,
		"files":    len(files),
		"standard": cfg.Tests.Standard,
	}).Info("Workspace discovered")

	wb := newWorkbench(cfg)

	for _, path := range files {
		rebuild(ctx, wb, path)
	}

	watcher, err := workspace.NewWatcher(log, dir, workspace.DefaultDebounce)
	if err != nil {
		return err
	}

	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Stop()

		return fmt.Errorf("starting watcher: %w", err)
	}

	defer func() {
		if err := watcher.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop watcher")
		}
	}()

	for ev := range watcher.Events() {
		abs := absPath(ev.Path)

		if ev.Dir {
			log.WithFields(logrus.Fields{
				"dir":       ev.Path,
				"op":        ev.Op.String(),
				"forgotten": wb.controller.ForgetDir(abs),
			}).Info("Source directory gone")

			continue
		}

		forgotten := wb.controller.Forget(abs)

		log.WithFields(logrus.Fields{
			"path":      ev.Path,
			"op":        ev.Op.String(),
			"forgotten": forgotten,
		}).Info("Source changed")

		if ev.Op.Gone() {
			continue
		}

		rebuild(ctx, wb, ev.Path)
	}

	return nil
}

// rebuild builds the tree of one file and prints it. Failures are logged;
// the file is retried on its next change.
func rebuild(ctx context.Context, wb *workbench, path string) {
	root, contract, err := wb.build(ctx, path, contractName)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to build test tree")

		return
	}

	log.WithFields(logrus.Fields{
		"path":     path,
		"contract": contract,
		"root":     root.ID,
	}).Debug("Test tree ready")

	if !watchQuiet {
		console.RenderTree(os.Stdout, root)
	}
}
