package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	tests []ercx.PropertyTest
}

func (f *fakeFetcher) FetchPropertyTests(
	_ context.Context, _ ercx.Standard,
) ([]ercx.PropertyTest, error) {
	f.calls.Add(1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if f.err != nil {
		return nil, f.err
	}

	return f.tests, nil
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestCatalog_MemoizesPerStandard(t *testing.T) {
	f := &fakeFetcher{tests: []ercx.PropertyTest{{Name: "testFoo"}}}
	c := New(testLogger(), f)
	ctx := context.Background()

	first, err := c.Get(ctx, ercx.StandardERC20)
	require.NoError(t, err)

	second, err := c.Get(ctx, ercx.StandardERC20)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())

	_, err = c.Get(ctx, ercx.StandardERC721)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())

	c.Clear()

	_, err = c.Get(ctx, ercx.StandardERC20)
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestCatalog_ErrorsAreNotCached(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection refused")}
	c := New(testLogger(), f)

	tests, err := c.Get(context.Background(), ercx.StandardERC20)
	require.Error(t, err)
	assert.Nil(t, tests)
	assert.Contains(t, err.Error(), "connection refused")

	f.err = nil
	f.tests = []ercx.PropertyTest{{Name: "testFoo"}}

	tests, err = c.Get(context.Background(), ercx.StandardERC20)
	require.NoError(t, err)
	assert.Len(t, tests, 1)
}

func TestCatalog_ConcurrentFirstFetchIsShared(t *testing.T) {
	f := &fakeFetcher{
		delay: 50 * time.Millisecond,
		tests: []ercx.PropertyTest{{Name: "testFoo"}},
	}
	c := New(testLogger(), f)

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := c.Get(context.Background(), ercx.StandardERC20)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
}

func TestTestable(t *testing.T) {
	tests := []ercx.PropertyTest{
		{Name: "testAbiFoundInEtherscan"},
		{Name: "testFoo"},
		{Name: "testAddressIsImplementationContract"},
		{Name: "testBar"},
	}

	got := Testable(tests)
	require.Len(t, got, 2)
	assert.Equal(t, "testFoo", got[0].Name)
	assert.Equal(t, "testBar", got[1].Name)

	assert.True(t, Excluded("testAbiFoundInEtherscan"))
	assert.False(t, Excluded("testFoo"))
}
