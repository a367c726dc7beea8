package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// excludedTests only apply to deployed contracts and are never turned into
// source-level tests.
var excludedTests = map[string]struct{}{
	"testAbiFoundInEtherscan":             {},
	"testAddressIsImplementationContract": {},
}

// Excluded reports whether a test name is in the fixed exclusion set.
func Excluded(name string) bool {
	_, ok := excludedTests[name]

	return ok
}

// Testable returns the tests that apply to source files, preserving order.
func Testable(tests []ercx.PropertyTest) []ercx.PropertyTest {
	out := make([]ercx.PropertyTest, 0, len(tests))

	for _, t := range tests {
		if Excluded(t.Name) {
			continue
		}

		out = append(out, t)
	}

	return out
}

// Fetcher loads the property tests of a standard.
type Fetcher interface {
	FetchPropertyTests(ctx context.Context, standard ercx.Standard) ([]ercx.PropertyTest, error)
}

// Catalog caches property tests per standard for its lifetime.
type Catalog interface {
	// Get returns the tests of a standard, fetching them on first use.
	Get(ctx context.Context, standard ercx.Standard) ([]ercx.PropertyTest, error)

	// Clear drops every cached standard.
	Clear()
}

// Ensure interface compliance.
var _ Catalog = (*catalog)(nil)

type catalog struct {
	log     logrus.FieldLogger
	fetcher Fetcher
	group   singleflight.Group

	mu    sync.RWMutex
	tests map[ercx.Standard][]ercx.PropertyTest
}

// New creates a Catalog backed by fetcher.
func New(log logrus.FieldLogger, fetcher Fetcher) Catalog {
	return &catalog{
		log:     log.WithField("component", "catalog"),
		fetcher: fetcher,
		tests:   make(map[ercx.Standard][]ercx.PropertyTest, len(ercx.Standards)),
	}
}

// Get returns cached tests or fetches them. Concurrent callers for the same
// standard share one fetch. Failures are never cached.
func (c *catalog) Get(ctx context.Context, standard ercx.Standard) ([]ercx.PropertyTest, error) {
	c.mu.RLock()
	tests, ok := c.tests[standard]
	c.mu.RUnlock()

	if ok {
		return tests, nil
	}

	v, err, shared := c.group.Do(string(standard), func() (any, error) {
		c.mu.RLock()
		cached, ok := c.tests[standard]
		c.mu.RUnlock()

		if ok {
			return cached, nil
		}

		fetched, err := c.fetcher.FetchPropertyTests(ctx, standard)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.tests[standard] = fetched
		c.mu.Unlock()

		c.log.WithFields(logrus.Fields{
			"standard": standard,
			"tests":    len(fetched),
		}).Info("Property test catalog loaded")

		return fetched, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading catalog for %s: %w", standard, err)
	}

	if shared {
		c.log.WithField("standard", standard).Debug("Shared in-flight catalog fetch")
	}

	return v.([]ercx.PropertyTest), nil
}

// Clear drops the cache.
func (c *catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tests = make(map[ercx.Standard][]ercx.PropertyTest, len(ercx.Standards))
}
