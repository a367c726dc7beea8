package testtree

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/docker/go-units"
	"github.com/ethpandaops/ercxoor/pkg/catalog"
	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/solidity"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Document is a Solidity source file as seen by the host.
type Document struct {
	Path string
	Text []byte
}

// Controller owns the test trees of a session: the catalog, the compiler,
// the registered roots and the metadata table.
type Controller interface {
	// BuildTree returns the root for (doc, standard), building it on first
	// use. Nothing is registered when the build fails.
	BuildTree(
		ctx context.Context,
		doc Document,
		sourceRange solidity.Range,
		contractName string,
		standard ercx.Standard,
	) (*Node, error)

	// Roots returns every registered root sorted by id.
	Roots() []*Node

	// Root returns the registered root with the given id.
	Root(id string) (*Node, bool)

	// Metadata returns the metadata recorded for a node.
	Metadata(node *Node) (Metadata, bool)

	// Forget drops every root built for a document path.
	Forget(path string) int

	// ForgetDir drops every root built for a document below dir.
	ForgetDir(dir string) int
}

// Ensure interface compliance.
var _ Controller = (*controller)(nil)

type controller struct {
	log      logrus.FieldLogger
	catalog  catalog.Catalog
	compiler solidity.Compiler
	group    singleflight.Group

	mu       sync.RWMutex
	roots    map[string]*Node
	metadata map[*Node]Metadata
}

// NewController creates a Controller.
func NewController(
	log logrus.FieldLogger,
	cat catalog.Catalog,
	compiler solidity.Compiler,
) Controller {
	return &controller{
		log:      log.WithField("component", "testtree"),
		catalog:  cat,
		compiler: compiler,
		roots:    make(map[string]*Node, 8),
		metadata: make(map[*Node]Metadata, 256),
	}
}

// RootID returns the registry key of a document's tree for a standard.
func RootID(path string, standard ercx.Standard) string {
	return path + "#" + string(standard)
}

// BuildTree implements Controller.
func (c *controller) BuildTree(
	ctx context.Context,
	doc Document,
	sourceRange solidity.Range,
	contractName string,
	standard ercx.Standard,
) (*Node, error) {
	id := RootID(doc.Path, standard)

	if root, ok := c.Root(id); ok {
		return root, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		if root, ok := c.Root(id); ok {
			return root, nil
		}

		return c.build(ctx, id, doc, sourceRange, contractName, standard)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Node), nil
}

func (c *controller) build(
	ctx context.Context,
	id string,
	doc Document,
	sourceRange solidity.Range,
	contractName string,
	standard ercx.Standard,
) (*Node, error) {
	log := c.log.WithFields(logrus.Fields{
		"document": doc.Path,
		"standard": standard,
	})

	start := time.Now()

	tests, err := c.catalog.Get(ctx, standard)
	if err != nil {
		log.WithError(err).Error("Failed to load property tests")

		return nil, fmt.Errorf("building tree for %s: %w", doc.Path, err)
	}

	ast, err := c.compiler.Compile(ctx, doc.Path, doc.Text)
	if err != nil {
		log.WithError(err).Error("Failed to parse document")

		return nil, fmt.Errorf("building tree for %s: %w", doc.Path, err)
	}

	index := solidity.BuildIndex(doc.Text, ast)

	// Metadata is staged so a partial build never leaks into the table.
	staged := make(map[*Node]Metadata, len(tests)+8)

	root := NewNode(id, rootLabel(doc.Path, standard), doc.Path, sourceRange)
	staged[root] = Metadata{ContractName: contractName, Tier: TierRoot, Standard: standard}

	levels := make(map[string]*Node, 8)

	for _, test := range catalog.Testable(tests) {
		level, ok := levels[test.Level]
		if !ok {
			level = root.AddChild(NewNode(test.Level, levelLabel(test.Level), doc.Path, sourceRange))
			levels[test.Level] = level
			staged[level] = Metadata{ContractName: contractName, Tier: TierLevel, Standard: standard}
		}

		rng := sourceRange

		if len(test.ConcernedFunctions) > 0 {
			if found, ok := index.Lookup(test.ConcernedFunctions[0]); ok {
				rng = found
			}
		}

		leaf := NewNode(test.Name, test.Name, doc.Path, rng)
		if added := level.AddChild(leaf); added != leaf {
			continue
		}

		staged[leaf] = Metadata{ContractName: contractName, Tier: TierIndividual, Standard: standard}
	}

	c.mu.Lock()
	c.roots[id] = root

	for node, md := range staged {
		c.metadata[node] = md
	}
	c.mu.Unlock()

	log.WithFields(logrus.Fields{
		"levels":   len(levels),
		"tests":    len(staged) - len(levels) - 1,
		"symbols":  len(index),
		"size":     units.HumanSize(float64(len(doc.Text))),
		"duration": units.HumanDuration(time.Since(start)),
	}).Info("Test tree built")

	return root, nil
}

// Roots implements Controller.
func (c *controller) Roots() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	roots := make([]*Node, 0, len(c.roots))
	for _, r := range c.roots {
		roots = append(roots, r)
	}

	sort.Slice(roots, func(i, j int) bool {
		return roots[i].ID < roots[j].ID
	})

	return roots
}

// Root implements Controller.
func (c *controller) Root(id string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.roots[id]

	return r, ok
}

// Metadata implements Controller.
func (c *controller) Metadata(node *Node) (Metadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	md, ok := c.metadata[node]

	return md, ok
}

// Forget implements Controller.
func (c *controller) Forget(path string) int {
	return c.forget(path, func(uri string) bool { return uri == path })
}

// ForgetDir implements Controller.
func (c *controller) ForgetDir(dir string) int {
	prefix := strings.TrimSuffix(dir, string(filepath.Separator)) + string(filepath.Separator)

	return c.forget(dir, func(uri string) bool { return strings.HasPrefix(uri, prefix) })
}

func (c *controller) forget(target string, match func(uri string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped int

	for id, root := range c.roots {
		if !match(root.URI) {
			continue
		}

		Walk(root, func(n *Node) {
			delete(c.metadata, n)
		})

		delete(c.roots, id)
		dropped++
	}

	if dropped > 0 {
		c.log.WithFields(logrus.Fields{
			"path":  target,
			"roots": dropped,
		}).Debug("Forgot document trees")
	}

	return dropped
}

func rootLabel(path string, standard ercx.Standard) string {
	return fmt.Sprintf("%s (%s)", filepath.Base(path), standard)
}

func levelLabel(level string) string {
	r, size := utf8.DecodeRuneInString(level)
	if r == utf8.RuneError {
		return level
	}

	return string(unicode.ToUpper(r)) + strings.ToLower(level[size:])
}
