package solidity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultSolcPath is the solc binary looked up on PATH.
const DefaultSolcPath = "solc"

// Compiler turns source text into a syntax tree.
type Compiler interface {
	Compile(ctx context.Context, name string, source []byte) (*Node, error)
}

// CompileError is returned when the compiler rejects the source.
type CompileError struct {
	Name     string
	Messages []string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling %s: %s", e.Name, strings.Join(e.Messages, "; "))
}

// NewSolcCompiler creates a Compiler that shells out to solc's standard
// JSON interface.
func NewSolcCompiler(log logrus.FieldLogger, solcPath string) Compiler {
	if solcPath == "" {
		solcPath = DefaultSolcPath
	}

	return &solcCompiler{
		log:  log.WithField("component", "solc"),
		path: solcPath,
	}
}

// Ensure interface compliance.
var _ Compiler = (*solcCompiler)(nil)

type solcCompiler struct {
	log  logrus.FieldLogger
	path string
}

type solcInput struct {
	Language string                     `json:"language"`
	Sources  map[string]solcInputSource `json:"sources"`
	Settings solcSettings               `json:"settings"`
}

type solcInputSource struct {
	Content string `json:"content"`
}

type solcSettings struct {
	OutputSelection map[string]map[string][]string `json:"outputSelection"`
}

type solcOutput struct {
	Errors  []solcDiagnostic            `json:"errors"`
	Sources map[string]solcOutputSource `json:"sources"`
}

type solcDiagnostic struct {
	Severity         string `json:"severity"`
	Message          string `json:"message"`
	FormattedMessage string `json:"formattedMessage"`
}

type solcOutputSource struct {
	AST json.RawMessage `json:"ast"`
}

// Compile runs solc and decodes the AST of the given source.
func (c *solcCompiler) Compile(ctx context.Context, name string, source []byte) (*Node, error) {
	input, err := buildSolcInput(name, source)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.path, "--standard-json")
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s: %w: %s", c.path, err, strings.TrimSpace(stderr.String()))
	}

	c.log.WithField("source", name).Debug("Compiled source")

	return parseSolcOutput(name, stdout.Bytes())
}

func buildSolcInput(name string, source []byte) ([]byte, error) {
	input := solcInput{
		Language: "Solidity",
		Sources: map[string]solcInputSource{
			name: {Content: string(source)},
		},
		Settings: solcSettings{
			OutputSelection: map[string]map[string][]string{
				"*": {"": {"ast"}},
			},
		},
	}

	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding solc input: %w", err)
	}

	return data, nil
}

// parseSolcOutput extracts the AST for name, failing on error diagnostics.
func parseSolcOutput(name string, data []byte) (*Node, error) {
	var out solcOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing solc output: %w", err)
	}

	var messages []string

	for _, d := range out.Errors {
		if d.Severity != "error" {
			continue
		}

		msg := d.FormattedMessage
		if msg == "" {
			msg = d.Message
		}

		messages = append(messages, strings.TrimSpace(msg))
	}

	if len(messages) > 0 {
		return nil, &CompileError{Name: name, Messages: messages}
	}

	src, ok := out.Sources[name]
	if !ok || len(src.AST) == 0 {
		return nil, &CompileError{Name: name, Messages: []string{"no ast in compiler output"}}
	}

	tree, err := DecodeAST(src.AST)
	if err != nil {
		return nil, fmt.Errorf("decoding ast of %s: %w", name, err)
	}

	return tree, nil
}
