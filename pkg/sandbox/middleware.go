package sandbox

import (
	"context"
	"crypto/sha256"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const apiKeyContextKey contextKey = "api-key"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAPIKey rejects requests whose X-API-KEY matches none of the
// configured bcrypt hashes.
func (s *server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(ercx.APIKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")

			return
		}

		if !s.keys.verify(key) {
			writeError(w, http.StatusUnauthorized, "invalid api key")

			return
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, keyID(key))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// keyID is a stable, non-reversible identifier of an API key.
func keyID(key string) string {
	sum := sha256.Sum256([]byte(key))

	return string(sum[:])
}

// apiKeyFromContext returns the identifier of the authenticated key.
func apiKeyFromContext(ctx context.Context) string {
	id, _ := ctx.Value(apiKeyContextKey).(string)

	return id
}

// keyVerifier checks keys against bcrypt hashes and remembers accepted keys.
type keyVerifier struct {
	hashes [][]byte

	mu    sync.Mutex
	known map[string]struct{}
}

func newKeyVerifier(hashes []string) *keyVerifier {
	v := &keyVerifier{
		hashes: make([][]byte, 0, len(hashes)),
		known:  make(map[string]struct{}, len(hashes)),
	}

	for _, h := range hashes {
		v.hashes = append(v.hashes, []byte(h))
	}

	return v
}

func (v *keyVerifier) verify(key string) bool {
	id := keyID(key)

	v.mu.Lock()
	_, seen := v.known[id]
	v.mu.Unlock()

	if seen {
		return true
	}

	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			v.mu.Lock()
			v.known[id] = struct{}{}
			v.mu.Unlock()

			return true
		}
	}

	return false
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}
