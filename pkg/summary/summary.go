package summary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/orchestrator"
	"github.com/ethpandaops/ercxoor/pkg/testtree"
)

// Outcome is the final state of one test in a run.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeErrored Outcome = "errored"
)

// TestSummary is the outcome of a single test.
type TestSummary struct {
	Name    string                `json:"name"`
	Level   string                `json:"level,omitempty"`
	Outcome Outcome               `json:"outcome"`
	Range   string                `json:"range,omitempty"`
	Message *orchestrator.Message `json:"message,omitempty"`
}

// Counts tallies outcomes.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Summary is the exported record of one run.
type Summary struct {
	Timestamp int64         `json:"timestamp"`
	Document  string        `json:"document"`
	Contract  string        `json:"contract"`
	Standard  ercx.Standard `json:"standard"`
	Target    string        `json:"target,omitempty"`
	ReportID  string        `json:"report_id,omitempty"`
	Status    string        `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  string        `json:"duration,omitempty"`
	Counts    Counts        `json:"counts"`
	Tests     []TestSummary `json:"tests"`
}

// Collector forwards run events to another TestRun and records every
// outcome.
type Collector struct {
	next orchestrator.TestRun

	mu    sync.Mutex
	tests []TestSummary
}

// Ensure interface compliance.
var _ orchestrator.TestRun = (*Collector)(nil)

// NewCollector wraps next. next may be nil.
func NewCollector(next orchestrator.TestRun) *Collector {
	return &Collector{next: next}
}

// Enqueued implements orchestrator.TestRun.
func (c *Collector) Enqueued(node *testtree.Node) {
	if c.next != nil {
		c.next.Enqueued(node)
	}
}

// Started implements orchestrator.TestRun.
func (c *Collector) Started(node *testtree.Node) {
	if c.next != nil {
		c.next.Started(node)
	}
}

// Passed implements orchestrator.TestRun.
func (c *Collector) Passed(node *testtree.Node) {
	c.record(node, OutcomePassed, nil)

	if c.next != nil {
		c.next.Passed(node)
	}
}

// Failed implements orchestrator.TestRun.
func (c *Collector) Failed(node *testtree.Node, msg *orchestrator.Message) {
	c.record(node, OutcomeFailed, msg)

	if c.next != nil {
		c.next.Failed(node, msg)
	}
}

// Skipped implements orchestrator.TestRun.
func (c *Collector) Skipped(node *testtree.Node) {
	c.record(node, OutcomeSkipped, nil)

	if c.next != nil {
		c.next.Skipped(node)
	}
}

// Errored implements orchestrator.TestRun.
func (c *Collector) Errored(node *testtree.Node, msg *orchestrator.Message) {
	c.record(node, OutcomeErrored, msg)

	if c.next != nil {
		c.next.Errored(node, msg)
	}
}

// End implements orchestrator.TestRun.
func (c *Collector) End() {
	if c.next != nil {
		c.next.End()
	}
}

func (c *Collector) record(node *testtree.Node, outcome Outcome, msg *orchestrator.Message) {
	ts := TestSummary{
		Name:    node.ID,
		Outcome: outcome,
		Range:   node.Range.String(),
		Message: msg,
	}

	if parent := node.Parent(); parent != nil {
		ts.Level = parent.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tests = append(c.tests, ts)
}

// Tests returns the recorded outcomes in report order.
func (c *Collector) Tests() []TestSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]TestSummary(nil), c.tests...)
}

// Summary builds a Summary from the recorded outcomes and the run result.
// runErr may be nil.
func (c *Collector) Summary(
	doc, contract string,
	standard ercx.Standard,
	target string,
	result *orchestrator.RunResult,
	runErr error,
) *Summary {
	s := &Summary{
		Timestamp: time.Now().Unix(),
		Document:  doc,
		Contract:  contract,
		Standard:  standard,
		Target:    target,
		Tests:     c.Tests(),
	}

	if result != nil {
		s.ReportID = result.ReportID
		s.Duration = result.Duration.Round(time.Millisecond).String()

		if result.Status != 0 {
			s.Status = result.Status.String()
		}
	}

	if runErr != nil {
		s.Error = runErr.Error()
	}

	for _, t := range s.Tests {
		s.Counts.Total++

		switch t.Outcome {
		case OutcomePassed:
			s.Counts.Passed++
		case OutcomeFailed:
			s.Counts.Failed++
		case OutcomeSkipped:
			s.Counts.Skipped++
		case OutcomeErrored:
			s.Counts.Errored++
		}
	}

	return s
}

// File names written into every summary directory.
const (
	JSONFile     = "summary.json"
	MarkdownFile = "summary.md"
)

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// DirName returns the results directory name of a summary.
func DirName(s *Summary) string {
	contract := unsafeDirChars.ReplaceAllString(s.Contract, "_")
	if contract == "" {
		contract = strings.TrimSuffix(filepath.Base(s.Document), filepath.Ext(s.Document))
	}

	return fmt.Sprintf("%d_%s_%s", s.Timestamp, contract, s.Standard)
}

// Write stores summary.json and summary.md in a new directory under
// resultsDir and returns that directory.
func Write(resultsDir string, s *Summary) (string, error) {
	dir := filepath.Join(resultsDir, DirName(s))

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating results directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling summary: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, JSONFile), data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", JSONFile, err)
	}

	if err := os.WriteFile(filepath.Join(dir, MarkdownFile), []byte(Markdown(s)), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", MarkdownFile, err)
	}

	return dir, nil
}
