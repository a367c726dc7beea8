package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/pmezard/go-difflib/difflib"
)

// Message explains a non-passing outcome.
type Message struct {
	Text     string `json:"text"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Diff     string `json:"diff,omitempty"`
}

func (m *Message) String() string {
	if m == nil {
		return ""
	}

	return m.Text
}

const optionalFeatureText = "Feature tests are optional and do not affect conformance"

// failureMessage builds the message of a failed or inconclusive evaluation.
func failureMessage(eval ercx.Evaluation) *Message {
	text := eval.Test.Feedback
	if eval.Result == ercx.ResultInconclusive && eval.Test.Inconclusive != "" {
		text = eval.Test.Inconclusive
	}

	return &Message{
		Text:     text,
		Expected: eval.Test.Expected,
		Actual:   eval.Test.Feedback,
		Diff:     unifiedDiff(eval.Test.Expected, eval.Test.Feedback),
	}
}

// featureMessage builds the softer message reported for the features level.
func featureMessage(eval ercx.Evaluation) *Message {
	msg := failureMessage(eval)
	msg.Text = fmt.Sprintf("%s: %s", optionalFeatureText, strings.TrimSpace(msg.Text))

	return msg
}

func unifiedDiff(expected, actual string) string {
	if expected == actual {
		return ""
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(ensureNewline(expected)),
		B:        difflib.SplitLines(ensureNewline(actual)),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return ""
	}

	return diff
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}

	return s + "\n"
}
