package sandbox

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"gopkg.in/yaml.v3"
)

// Fixture is the canned data the sandbox answers with.
type Fixture struct {
	// Catalog lists the property tests served per standard.
	Catalog map[ercx.Standard][]ercx.PropertyTest `yaml:"catalog"`
	// Results maps a test name to its scripted outcome. Tests not listed
	// resolve as not tested.
	Results map[string]string `yaml:"results"`
	// Errors names contracts whose reports end in ERROR.
	Errors []string `yaml:"errors"`
	// PollsUntilDone overrides the configured value when set.
	PollsUntilDone *int `yaml:"polls_until_done,omitempty"`

	results map[string]ercx.TestResult
}

// LoadFixture reads and validates a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}

	return ParseFixture(data)
}

// ParseFixture decodes and validates fixture YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}

	if err := f.compile(); err != nil {
		return nil, err
	}

	return &f, nil
}

func (f *Fixture) compile() error {
	for std, tests := range f.Catalog {
		if !std.IsValid() {
			return fmt.Errorf("catalog: unknown standard %q", std)
		}

		seen := make(map[string]struct{}, len(tests))

		for i, t := range tests {
			if t.Name == "" {
				return fmt.Errorf("catalog.%s[%d]: name is required", std, i)
			}

			if t.Level == "" {
				return fmt.Errorf("catalog.%s[%d]: level is required", std, i)
			}

			if _, dup := seen[t.Name]; dup {
				return fmt.Errorf("catalog.%s: duplicate test %q", std, t.Name)
			}

			seen[t.Name] = struct{}{}
		}
	}

	f.results = make(map[string]ercx.TestResult, len(f.Results))

	for name, raw := range f.Results {
		r, err := parseResult(raw)
		if err != nil {
			return fmt.Errorf("results.%s: %w", name, err)
		}

		f.results[name] = r
	}

	if f.PollsUntilDone != nil && *f.PollsUntilDone < 0 {
		return fmt.Errorf("polls_until_done must not be negative")
	}

	return nil
}

func parseResult(raw string) (ercx.TestResult, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "passed", "pass":
		return ercx.ResultPassed, nil
	case "failed", "fail":
		return ercx.ResultFailed, nil
	case "not_tested", "skipped":
		return ercx.ResultNotTested, nil
	case "inconclusive":
		return ercx.ResultInconclusive, nil
	}

	return 0, fmt.Errorf("unknown result %q", raw)
}

// Tests returns the catalog of a standard.
func (f *Fixture) Tests(standard ercx.Standard) []ercx.PropertyTest {
	return f.Catalog[standard]
}

// Result returns the scripted outcome of a test.
func (f *Fixture) Result(name string) ercx.TestResult {
	if r, ok := f.results[name]; ok {
		return r
	}

	return ercx.ResultNotTested
}

// Fails reports whether reports for the contract end in ERROR.
func (f *Fixture) Fails(contract string) bool {
	for _, c := range f.Errors {
		if c == contract {
			return true
		}
	}

	return false
}

// Evaluate selects the tests a submission covers and attaches the scripted
// results. The returned status reflects the submission's scope.
func (f *Fixture) Evaluate(req *ercx.CreateReportRequest) (ercx.TaskStatus, []ercx.Evaluation) {
	status := ercx.StatusDone

	switch {
	case req.OnlyTest != "":
		status = ercx.StatusEvaluatedOnlyTest
	case req.TestedLevels != "":
		status = ercx.StatusEvaluatedTestedLevels
	}

	levels := make(map[string]struct{}, 4)

	for _, l := range strings.Split(req.TestedLevels, ",") {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			levels[l] = struct{}{}
		}
	}

	tests := f.Tests(req.Standard)
	evaluations := make([]ercx.Evaluation, 0, len(tests))

	for _, t := range tests {
		if req.OnlyTest != "" && t.Name != req.OnlyTest {
			continue
		}

		if len(levels) > 0 {
			if _, ok := levels[strings.ToLower(t.Level)]; !ok {
				continue
			}
		}

		evaluations = append(evaluations, ercx.Evaluation{
			Test:   t,
			Result: f.Result(t.Name),
		})
	}

	return status, evaluations
}
