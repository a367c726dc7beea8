package ercx

import (
	"encoding/json"
	"fmt"
	"time"
)

// Standard identifies a family of conformance tests.
type Standard string

const (
	StandardERC20   Standard = "ERC20"
	StandardERC721  Standard = "ERC721"
	StandardERC1155 Standard = "ERC1155"
	StandardERC4626 Standard = "ERC4626"
)

// Standards lists every standard the service knows about.
var Standards = []Standard{
	StandardERC20,
	StandardERC721,
	StandardERC1155,
	StandardERC4626,
}

// IsValid reports whether s is a known standard.
func (s Standard) IsValid() bool {
	for _, known := range Standards {
		if s == known {
			return true
		}
	}

	return false
}

// Property test levels.
const (
	LevelAbi      = "abi"
	LevelStandard = "standard"
	LevelSecurity = "security"
	LevelFeatures = "features"
	LevelStatus   = "status"
)

// FreeLevels are the levels available without a paid plan.
var FreeLevels = []string{LevelAbi, LevelStandard, LevelStatus}

// IsFreeLevel reports whether level is part of the free tier.
func IsFreeLevel(level string) bool {
	for _, l := range FreeLevels {
		if l == level {
			return true
		}
	}

	return false
}

// PropertyTest is a catalog entry describing one conformance check.
type PropertyTest struct {
	Name               string   `json:"name" yaml:"name"`
	Version            int      `json:"version" yaml:"version"`
	Level              string   `json:"level" yaml:"level"`
	Property           string   `json:"property" yaml:"property"`
	Feedback           string   `json:"feedback" yaml:"feedback"`
	Expected           string   `json:"expected" yaml:"expected"`
	Inconclusive       string   `json:"inconclusive" yaml:"inconclusive"`
	ConcernedFunctions []string `json:"concernedFunctions" yaml:"concerned_functions"`
	Categories         []string `json:"categories" yaml:"categories"`
}

// TestResult is the outcome of evaluating a single property test.
type TestResult int

const (
	ResultFailed       TestResult = 0
	ResultNotTested    TestResult = -1
	ResultInconclusive TestResult = -2
	ResultPassed       TestResult = 1
)

// String returns a human readable name for the result.
func (r TestResult) String() string {
	switch r {
	case ResultPassed:
		return "passed"
	case ResultFailed:
		return "failed"
	case ResultNotTested:
		return "not_tested"
	case ResultInconclusive:
		return "inconclusive"
	}

	return fmt.Sprintf("result(%d)", int(r))
}

// UnmarshalJSON rejects result codes outside the known set.
func (r *TestResult) UnmarshalJSON(data []byte) error {
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parsing test result: %w", err)
	}

	switch TestResult(v) {
	case ResultPassed, ResultFailed, ResultNotTested, ResultInconclusive:
		*r = TestResult(v)

		return nil
	}

	return fmt.Errorf("unknown test result %d", v)
}

// TaskStatus is the state of a remote report job. The zero value is not a
// valid status; use ParseTaskStatus to obtain one.
type TaskStatus int

const (
	StatusPending TaskStatus = iota + 1
	StatusRunning
	StatusDone
	StatusError
	StatusEvaluatedOnlyTest
	StatusEvaluatedTestedLevels
)

var taskStatusNames = map[TaskStatus]string{
	StatusPending:               "PENDING",
	StatusRunning:               "RUNNING",
	StatusDone:                  "DONE",
	StatusError:                 "ERROR",
	StatusEvaluatedOnlyTest:     "EVALUATED_ONLY_TEST",
	StatusEvaluatedTestedLevels: "EVALUATED_TESTED_LEVELS",
}

// ParseTaskStatus converts the wire representation into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	for status, name := range taskStatusNames {
		if name == s {
			return status, nil
		}
	}

	return 0, fmt.Errorf("unknown task status %q", s)
}

// String returns the wire representation.
func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// IsTerminal reports whether no further polling happens after s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusEvaluatedOnlyTest, StatusEvaluatedTestedLevels:
		return true
	case StatusPending, StatusRunning:
		return false
	}

	return false
}

// HasResults reports whether s is a terminal state carrying evaluations.
func (s TaskStatus) HasResults() bool {
	switch s {
	case StatusDone, StatusEvaluatedOnlyTest, StatusEvaluatedTestedLevels:
		return true
	case StatusPending, StatusRunning, StatusError:
		return false
	}

	return false
}

// MarshalJSON encodes the status as its wire string.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	name, ok := taskStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid task status %d", int(s))
	}

	return json.Marshal(name)
}

// UnmarshalJSON decodes a wire string, rejecting unknown statuses.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("parsing task status: %w", err)
	}

	parsed, err := ParseTaskStatus(name)
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// Evaluation is the outcome of one property test within a report.
type Evaluation struct {
	Test      PropertyTest `json:"test"`
	Result    TestResult   `json:"result"`
	CreatedAt time.Time    `json:"createdAt,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt,omitempty"`
}

// Feedback is a mutation-testing hint attached to a report.
type Feedback struct {
	Feedback     string  `json:"feedback"`
	MutantID     int     `json:"mutant_id"`
	Similarity   float64 `json:"similarity"`
	MutationType string  `json:"mutation_type"`
}

// ReportFeedback groups the feedback entries of a report.
type ReportFeedback struct {
	Feedbacks []Feedback `json:"feedbacks"`
}

// Report is a remote evaluation job and, once finished, its results.
type Report struct {
	ID          string          `json:"id"`
	TokenClass  *string         `json:"tokenClass,omitempty"`
	Version     int             `json:"version,omitempty"`
	CreatedAt   time.Time       `json:"createdAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
	Status      TaskStatus      `json:"status"`
	Standard    Standard        `json:"standard,omitempty"`
	Evaluations []Evaluation    `json:"evaluations,omitempty"`
	Error       string          `json:"error,omitempty"`
	Feedback    *ReportFeedback `json:"feedback,omitempty"`
}

// SourceCodeFile is the file submitted for evaluation.
type SourceCodeFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Path    string `json:"path"`
}

// CreateReportRequest is the body of a report submission.
type CreateReportRequest struct {
	Standard       Standard       `json:"standard"`
	SourceCodeFile SourceCodeFile `json:"sourceCodeFile"`
	TokenClass     string         `json:"tokenClass,omitempty"`
	TestedLevels   string         `json:"testedLevels,omitempty"`
	OnlyTest       string         `json:"onlyTest,omitempty"`
}
