package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/testtree"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the delay between two report polls.
const DefaultPollInterval = 5 * time.Second

// ErrRunInProgress is returned when Run is called while another run of the
// same orchestrator is still active.
var ErrRunInProgress = errors.New("a test run is already in progress")

// ReportError is returned when the remote report ends in the ERROR status.
type ReportError struct {
	ReportID string
	Message  string
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("report %s failed: %s", e.ReportID, e.Message)
}

// TestRun receives the progress of a run. Calls are made from the goroutine
// executing Run.
type TestRun interface {
	Enqueued(node *testtree.Node)
	Started(node *testtree.Node)
	Passed(node *testtree.Node)
	Failed(node *testtree.Node, msg *Message)
	Skipped(node *testtree.Node)
	Errored(node *testtree.Node, msg *Message)
	End()
}

// Notifier shows blocking errors to the user.
type Notifier interface {
	ShowError(msg string)
}

// ReportClient is the part of the remote API a run needs.
type ReportClient interface {
	CreateReport(ctx context.Context, req *ercx.CreateReportRequest) (*ercx.Report, error)
	GetReport(ctx context.Context, id string, fields ...string) (*ercx.Report, error)
}

// Registry exposes the built test trees and their metadata.
type Registry interface {
	Roots() []*testtree.Node
	Metadata(node *testtree.Node) (testtree.Metadata, bool)
}

// RunRequest selects what to run.
type RunRequest struct {
	// Include limits the run to its first node. Empty means every root.
	Include []*testtree.Node
	// Exclude lists nodes resolved without an outcome.
	Exclude []*testtree.Node
}

// RunResult summarises a finished run.
type RunResult struct {
	ReportID string          `json:"reportId"`
	Status   ercx.TaskStatus `json:"status"`
	Polls    int             `json:"polls"`
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Skipped  int             `json:"skipped"`
	Errored  int             `json:"errored"`
	Duration time.Duration   `json:"duration"`
}

// Config configures an Orchestrator.
type Config struct {
	PollInterval time.Duration
	// ReadFile reads the current document content. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Orchestrator submits test trees for remote evaluation and reports the
// outcomes.
type Orchestrator interface {
	// Run executes one remote evaluation. ctx cancellation ends the run
	// without resolving further outcomes.
	Run(ctx context.Context, req RunRequest, run TestRun) (*RunResult, error)
}

// Ensure interface compliance.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log      logrus.FieldLogger
	client   ReportClient
	registry Registry
	notifier Notifier
	interval time.Duration
	readFile func(path string) ([]byte, error)

	running sync.Mutex
}

// New creates an Orchestrator.
func New(
	log logrus.FieldLogger,
	client ReportClient,
	registry Registry,
	notifier Notifier,
	cfg *Config,
) Orchestrator {
	o := &orchestrator{
		log:      log.WithField("component", "orchestrator"),
		client:   client,
		registry: registry,
		notifier: notifier,
		interval: DefaultPollInterval,
		readFile: os.ReadFile,
	}

	if cfg != nil {
		if cfg.PollInterval > 0 {
			o.interval = cfg.PollInterval
		}

		if cfg.ReadFile != nil {
			o.readFile = cfg.ReadFile
		}
	}

	return o
}

// Run implements Orchestrator.
func (o *orchestrator) Run(
	ctx context.Context, req RunRequest, run TestRun,
) (*RunResult, error) {
	if !o.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.running.Unlock()

	defer run.End()

	start := time.Now()
	result := &RunResult{}

	defer func() {
		result.Duration = time.Since(start)
	}()

	queue := o.buildQueue(req)
	if len(queue) == 0 {
		o.log.Info("Nothing to run")

		return result, nil
	}

	for _, node := range queue {
		testtree.Walk(node, run.Enqueued)
	}

	payload, err := o.buildPayload(queue[0])
	if err != nil {
		o.log.WithError(err).Error("Failed to prepare report request")

		return result, err
	}

	log := o.log.WithFields(logrus.Fields{
		"document": payload.SourceCodeFile.Path,
		"standard": payload.Standard,
		"target":   queue[0].ID,
	})

	report, err := o.client.CreateReport(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("Run cancelled during submission")

			return result, ctx.Err()
		}

		log.WithError(err).Error("Failed to submit report")

		return result, fmt.Errorf("submitting report: %w", err)
	}

	result.ReportID = report.ID
	log = log.WithField("report_id", report.ID)
	log.WithField("status", report.Status).Info("Report submitted")

	started := false

	for {
		result.Status = report.Status

		switch report.Status {
		case ercx.StatusPending, ercx.StatusRunning:
			if report.Evaluations != nil {
				o.resolve(queue, req.Exclude, report.Evaluations, run, result)
				o.logFinished(log, result, start)

				return result, nil
			}

			if !started {
				for _, node := range queue {
					testtree.Walk(node, run.Started)
				}

				started = true
			}

			if err := o.wait(ctx); err != nil {
				log.WithField("polls", result.Polls).Info("Run cancelled")

				return result, err
			}

			result.Polls++

			report, err = o.client.GetReport(ctx, result.ReportID, "evaluations")
			if ctx.Err() != nil {
				log.WithField("polls", result.Polls).Info("Run cancelled")

				return result, ctx.Err()
			}

			if err != nil {
				log.WithError(err).Error("Failed to poll report")

				return result, fmt.Errorf("polling report %s: %w", result.ReportID, err)
			}

			log.WithField("status", report.Status).Debug("Polled report")

		case ercx.StatusDone, ercx.StatusEvaluatedOnlyTest, ercx.StatusEvaluatedTestedLevels:
			o.resolve(queue, req.Exclude, report.Evaluations, run, result)
			o.logFinished(log, result, start)

			return result, nil

		case ercx.StatusError:
			log.WithField("error", report.Error).Error("Report finished with an error")
			o.notifier.ShowError(report.Error)

			return result, &ReportError{ReportID: result.ReportID, Message: report.Error}

		default:
			return result, fmt.Errorf("report %s has invalid status %s", result.ReportID, report.Status)
		}
	}
}

func (o *orchestrator) buildQueue(req RunRequest) []*testtree.Node {
	if len(req.Include) > 0 {
		return []*testtree.Node{req.Include[0]}
	}

	return o.registry.Roots()
}

func (o *orchestrator) buildPayload(node *testtree.Node) (*ercx.CreateReportRequest, error) {
	md, ok := o.registry.Metadata(node)
	if !ok {
		return nil, fmt.Errorf("no metadata recorded for test %q", node.ID)
	}

	content, err := o.readFile(node.URI)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", node.URI, err)
	}

	payload := &ercx.CreateReportRequest{
		Standard: md.Standard,
		SourceCodeFile: ercx.SourceCodeFile{
			Name:    filepath.Base(node.URI),
			Content: string(content),
			Path:    node.URI,
		},
		TokenClass: md.ContractName,
	}

	switch md.Tier {
	case testtree.TierRoot:
	case testtree.TierLevel:
		payload.TestedLevels = node.Label
	case testtree.TierIndividual:
		payload.OnlyTest = node.ID
	default:
		return nil, fmt.Errorf("test %q has invalid tier %d", node.ID, md.Tier)
	}

	return payload, nil
}

// wait blocks for one poll interval.
func (o *orchestrator) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(o.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resolve drains the queue depth-first and reports one outcome per leaf.
func (o *orchestrator) resolve(
	queue, exclude []*testtree.Node,
	evaluations []ercx.Evaluation,
	run TestRun,
	result *RunResult,
) {
	excluded := make(map[*testtree.Node]struct{}, len(exclude))
	for _, n := range exclude {
		excluded[n] = struct{}{}
	}

	byName := make(map[string]ercx.Evaluation, len(evaluations))
	for _, e := range evaluations {
		if _, ok := byName[e.Test.Name]; !ok {
			byName[e.Test.Name] = e
		}
	}

	stack := make([]*testtree.Node, 0, len(queue))
	for i := len(queue) - 1; i >= 0; i-- {
		stack = append(stack, queue[i])
	}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := excluded[node]; ok {
			continue
		}

		if children := node.Children(); len(children) > 0 {
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}

			continue
		}

		eval, ok := byName[node.ID]

		switch {
		case !ok:
			run.Skipped(node)
			result.Skipped++
		case eval.Result == ercx.ResultPassed:
			run.Passed(node)
			result.Passed++
		case eval.Result == ercx.ResultNotTested:
			run.Skipped(node)
			result.Skipped++
		case isFeature(node):
			run.Errored(node, featureMessage(eval))
			result.Errored++
		default:
			run.Failed(node, failureMessage(eval))
			result.Failed++
		}
	}
}

func isFeature(node *testtree.Node) bool {
	parent := node.Parent()

	return parent != nil && parent.ID == ercx.LevelFeatures
}

func (o *orchestrator) logFinished(log logrus.FieldLogger, result *RunResult, start time.Time) {
	log.WithFields(logrus.Fields{
		"status":   result.Status,
		"polls":    result.Polls,
		"passed":   result.Passed,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
		"errored":  result.Errored,
		"duration": units.HumanDuration(time.Since(start)),
	}).Info("Run finished")
}
