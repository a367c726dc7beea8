package sandbox

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/ethpandaops/ercxoor/pkg/config"
	"github.com/ethpandaops/ercxoor/pkg/sandbox/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore records lifecycle calls. Report methods are not used.
type countingStore struct {
	store.Store
	starts int
	stops  int
}

func (s *countingStore) Start(context.Context) error {
	s.starts++

	return nil
}

func (s *countingStore) Stop() error {
	s.stops++

	return nil
}

func newLifecycleServer(t *testing.T, listen string) (*server, *countingStore) {
	t.Helper()

	fixture, err := ParseFixture([]byte(testFixture))
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)

	srv, ok := NewServer(log, &config.SandboxConfig{
		Listen:       listen,
		APIKeyHashes: []string{"$2a$04$unused"},
	}, fixture).(*server)
	require.True(t, ok)

	st := &countingStore{}
	srv.store = st

	return srv, st
}

func TestServer_ListenFailureClosesStore(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer func() { _ = busy.Close() }()

	srv, st := newLifecycleServer(t, busy.Addr().String())

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
	assert.Equal(t, 1, st.starts)
	assert.Equal(t, 1, st.stops)
	assert.Empty(t, srv.Addr())
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv, st := newLifecycleServer(t, "127.0.0.1:0")

	require.NoError(t, srv.Start(context.Background()))
	require.NotEmpty(t, srv.Addr())

	require.NoError(t, srv.Stop())
	require.NotPanics(t, func() { require.NoError(t, srv.Stop()) })
	assert.Equal(t, 1, st.stops)
}

func TestServer_StopWithoutStart(t *testing.T) {
	srv, st := newLifecycleServer(t, "127.0.0.1:0")

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
	assert.Equal(t, 1, st.stops)
}
