package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ethpandaops/ercxoor/pkg/orchestrator"
	"github.com/ethpandaops/ercxoor/pkg/testtree"
	"github.com/fatih/color"
)

var (
	passColor  = color.New(color.FgGreen)
	failColor  = color.New(color.FgRed)
	skipColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgMagenta)
	mutedColor = color.New(color.Faint)
	titleColor = color.New(color.FgCyan, color.Bold)
	alertColor = color.New(color.FgRed, color.Bold)
)

// Reporter prints run progress to a terminal.
type Reporter struct {
	w       io.Writer
	verbose bool

	mu      sync.Mutex
	passed  int
	failed  int
	skipped int
	errored int
}

// Ensure interface compliance.
var (
	_ orchestrator.TestRun  = (*Reporter)(nil)
	_ orchestrator.Notifier = (*Reporter)(nil)
)

// NewReporter creates a Reporter. Queue and start events are only printed
// when verbose is set.
func NewReporter(w io.Writer, verbose bool) *Reporter {
	return &Reporter{w: w, verbose: verbose}
}

// Enqueued implements orchestrator.TestRun.
func (r *Reporter) Enqueued(node *testtree.Node) {
	if !r.verbose {
		return
	}

	r.printf("%s %s\n", mutedColor.Sprint("queued "), node.Label)
}

// Started implements orchestrator.TestRun.
func (r *Reporter) Started(node *testtree.Node) {
	if !r.verbose {
		return
	}

	r.printf("%s %s\n", mutedColor.Sprint("started"), node.Label)
}

// Passed implements orchestrator.TestRun.
func (r *Reporter) Passed(node *testtree.Node) {
	r.mu.Lock()
	r.passed++
	r.mu.Unlock()

	r.printf("%s %s\n", passColor.Sprint("✓"), node.Label)
}

// Failed implements orchestrator.TestRun.
func (r *Reporter) Failed(node *testtree.Node, msg *orchestrator.Message) {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()

	r.printf("%s %s\n", failColor.Sprint("✗"), failColor.Sprint(node.Label))
	r.printMessage(msg)
}

// Skipped implements orchestrator.TestRun.
func (r *Reporter) Skipped(node *testtree.Node) {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()

	r.printf("%s %s\n", skipColor.Sprint("○"), node.Label)
}

// Errored implements orchestrator.TestRun.
func (r *Reporter) Errored(node *testtree.Node, msg *orchestrator.Message) {
	r.mu.Lock()
	r.errored++
	r.mu.Unlock()

	r.printf("%s %s\n", errorColor.Sprint("!"), node.Label)
	r.printMessage(msg)
}

// End implements orchestrator.TestRun.
func (r *Reporter) End() {
	r.mu.Lock()
	passed, failed, skipped, errored := r.passed, r.failed, r.skipped, r.errored
	r.mu.Unlock()

	if passed+failed+skipped+errored == 0 {
		return
	}

	r.printf("\n%s, %s, %s, %s\n",
		passColor.Sprintf("%d passed", passed),
		failColor.Sprintf("%d failed", failed),
		skipColor.Sprintf("%d skipped", skipped),
		errorColor.Sprintf("%d errored", errored),
	)
}

// ShowError implements orchestrator.Notifier.
func (r *Reporter) ShowError(msg string) {
	r.printf("%s %s\n", alertColor.Sprint("error:"), msg)
}

func (r *Reporter) printMessage(msg *orchestrator.Message) {
	if msg == nil {
		return
	}

	if text := strings.TrimSpace(msg.Text); text != "" {
		r.printf("%s\n", indent(text, "    "))
	}

	if msg.Diff != "" {
		r.printf("%s\n", indent(colorDiff(msg.Diff), "    "))
	}
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.w, format, args...)
}

func colorDiff(diff string) string {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")

	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			lines[i] = mutedColor.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = passColor.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = failColor.Sprint(line)
		}
	}

	return strings.Join(lines, "\n")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}

	return strings.Join(lines, "\n")
}
