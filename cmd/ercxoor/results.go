package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethpandaops/ercxoor/pkg/config"
	"github.com/ethpandaops/ercxoor/pkg/summary"
	"github.com/ethpandaops/ercxoor/pkg/upload"
	"github.com/spf13/cobra"
)

var resultsJSON bool

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Browse run summaries uploaded to S3",
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := newResultsReader()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		runs, err := reader.ListRuns(ctx)
		if err != nil {
			return err
		}

		for _, run := range runs {
			fmt.Println(run)
		}

		return nil
	},
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <run>",
	Short: "Print the summary of an uploaded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := newResultsReader()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		s, err := reader.GetSummary(ctx, args[0])
		if errors.Is(err, upload.ErrSummaryNotFound) {
			return fmt.Errorf("no uploaded summary for run %q", args[0])
		}

		if err != nil {
			return err
		}

		return printSummary(s)
	},
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsListCmd, resultsShowCmd)
	resultsShowCmd.Flags().BoolVar(&resultsJSON, "json", false, "print the raw summary JSON")
}

// newResultsReader only needs the S3 section, so results.dir may be unset.
func newResultsReader() (upload.Reader, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.Results.Upload.S3.Bucket == "" {
		return nil, fmt.Errorf("results.upload.s3.bucket is required")
	}

	return upload.NewS3Reader(log, &cfg.Results.Upload.S3)
}

func printSummary(s *summary.Summary) error {
	if !resultsJSON {
		fmt.Print(summary.Markdown(s))

		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	return nil
}
