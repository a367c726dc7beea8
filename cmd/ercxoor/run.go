package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethpandaops/ercxoor/pkg/config"
	"github.com/ethpandaops/ercxoor/pkg/console"
	"github.com/ethpandaops/ercxoor/pkg/orchestrator"
	"github.com/ethpandaops/ercxoor/pkg/summary"
	"github.com/ethpandaops/ercxoor/pkg/testtree"
	"github.com/ethpandaops/ercxoor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runLevel    string
	runTest     string
	runExcludes []string
	runStrict   bool
)

var runCmd = &cobra.Command{
	Use:   "run <file.sol>",
	Short: "Run conformance tests against the evaluation service",
	Long: `Build the test tree of a contract, submit it for evaluation and report
every outcome. A summary is written when results.dir is configured and
uploaded when results.upload.s3 is enabled.`,
	Args: cobra.ExactArgs(1),
	RunE: runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addTargetFlags(runCmd)
	runCmd.Flags().StringVar(&runLevel, "level", "",
		"run a single level (abi, standard, security, features, status)")
	runCmd.Flags().StringVar(&runTest, "test", "",
		"run a single property test by name")
	runCmd.Flags().StringSliceVar(&runExcludes, "exclude", nil,
		"property tests to leave out (comma-separated or repeated flag)")
	runCmd.Flags().BoolVar(&runStrict, "strict", false,
		"exit non-zero when a test fails")
}

func runTests(cmd *cobra.Command, args []string) error {
	if runLevel != "" && runTest != "" {
		return fmt.Errorf("--level and --test are mutually exclusive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	wb := newWorkbench(cfg)

	root, contract, err := wb.build(ctx, args[0], contractName)
	if err != nil {
		return fmt.Errorf("building tree: %w", err)
	}

	req, target, err := selectRun(root, runLevel, runTest, runExcludes)
	if err != nil {
		return err
	}

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}

	reporter := console.NewReporter(os.Stdout, log.IsLevelEnabled(logrus.DebugLevel))
	collector := summary.NewCollector(reporter)

	orch := orchestrator.New(log, wb.client, wb.controller, reporter, &orchestrator.Config{
		PollInterval: cfg.API.PollInterval,
	})

	result, runErr := orch.Run(ctx, req, collector)

	if cfg.Results.Dir != "" && result != nil {
		s := collector.Summary(root.URI, contract, cfg.Tests.Standard, target, result, runErr)

		if err := exportSummary(ctx, cfg.Results.Dir, uploader, s); err != nil {
			log.WithError(err).Error("Failed to export summary")
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("run cancelled")
		}

		return fmt.Errorf("running tests: %w", runErr)
	}

	if runStrict && result.Failed > 0 {
		return fmt.Errorf("%d property tests failed", result.Failed)
	}

	return nil
}

// selectRun turns the command line selection into a run request and a
// printable target.
func selectRun(
	root *testtree.Node, level, test string, excludes []string,
) (orchestrator.RunRequest, string, error) {
	var req orchestrator.RunRequest

	target := root.Label

	switch {
	case level != "":
		node, ok := root.Child(strings.ToLower(level))
		if !ok {
			return req, "", fmt.Errorf("level %q has no tests in %s", level, root.Label)
		}

		req.Include = []*testtree.Node{node}
		target = node.Label
	case test != "":
		node := findLeaf(root, test)
		if node == nil {
			return req, "", fmt.Errorf("test %q not found in %s", test, root.Label)
		}

		req.Include = []*testtree.Node{node}
		target = node.Label
	default:
		req.Include = []*testtree.Node{root}
	}

	for _, name := range excludes {
		node := findLeaf(root, name)
		if node == nil {
			return req, "", fmt.Errorf("excluded test %q not found in %s", name, root.Label)
		}

		req.Exclude = append(req.Exclude, node)
	}

	return req, target, nil
}

func findLeaf(root *testtree.Node, id string) *testtree.Node {
	for _, leaf := range testtree.Leaves(root) {
		if leaf.ID == id {
			return leaf
		}
	}

	return nil
}

// newUploader returns nil when uploads are disabled. The bucket is
// checked before any run is submitted.
func newUploader(ctx context.Context, cfg *config.Config) (upload.Uploader, error) {
	if !cfg.Results.Upload.S3.Enabled {
		return nil, nil
	}

	uploader, err := upload.NewS3Uploader(log, &cfg.Results.Upload.S3)
	if err != nil {
		return nil, fmt.Errorf("creating S3 uploader: %w", err)
	}

	if err := uploader.Preflight(ctx); err != nil {
		return nil, fmt.Errorf("s3 preflight: %w", err)
	}

	return uploader, nil
}

// exportSummary writes the run summary and uploads it when uploader is set.
func exportSummary(
	ctx context.Context, resultsDir string, uploader upload.Uploader, s *summary.Summary,
) error {
	dir, err := summary.Write(resultsDir, s)
	if err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	log.WithField("dir", dir).Info("Summary written")

	if uploader == nil {
		return nil
	}

	if _, err := uploader.Upload(context.WithoutCancel(ctx), dir); err != nil {
		return fmt.Errorf("uploading summary: %w", err)
	}

	return nil
}
