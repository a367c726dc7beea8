package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/ercxoor/pkg/config"
	"github.com/ethpandaops/ercxoor/pkg/sandbox/store"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// APIPrefix is the path all sandbox endpoints are served under.
const APIPrefix = "/api/v1"

// Server exposes the sandbox HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr is the bound listen address, empty before Start.
	Addr() string
}

// Ensure interface compliance.
var _ Server = (*server)(nil)

type server struct {
	log            logrus.FieldLogger
	cfg            *config.SandboxConfig
	fixture        *Fixture
	pollsUntilDone int
	store          store.Store
	keys           *keyVerifier
	httpServer     *http.Server
	addr           string
	wg             sync.WaitGroup
	done           chan struct{}
	stopOnce       sync.Once
	stopErr        error

	// reportMu serializes the read-modify-write of a poll.
	reportMu sync.Mutex
}

// NewServer creates a sandbox server answering from fixture.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.SandboxConfig,
	fixture *Fixture,
) Server {
	polls := cfg.PollsUntilDone
	if fixture.PollsUntilDone != nil {
		polls = *fixture.PollsUntilDone
	}

	log = log.WithField("component", "sandbox")

	return &server{
		log:            log,
		cfg:            cfg,
		fixture:        fixture,
		pollsUntilDone: polls,
		store:          store.NewStore(log, &cfg.Database),
		keys:           newKeyVerifier(cfg.APIKeyHashes),
		done:           make(chan struct{}),
	}
}

// Start opens the store and starts serving.
func (s *server) Start(ctx context.Context) error {
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		if stopErr := s.store.Stop(); stopErr != nil {
			s.log.WithError(stopErr).Warn("Failed to close store")
		}

		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithFields(logrus.Fields{
			"listen":           s.addr,
			"standards":        len(s.fixture.Catalog),
			"polls_until_done": s.pollsUntilDone,
		}).Info("Sandbox server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store. Calls
// after the first return the first result.
func (s *server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})

	return s.stopErr
}

func (s *server) stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if err := s.store.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	s.log.Info("Sandbox server stopped")

	return nil
}

// Addr implements Server.
func (s *server) Addr() string {
	return s.addr
}
