package budget

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/models"
)

type fakeLedger struct {
	mu     sync.Mutex
	marked map[string]models.Usage
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{marked: make(map[string]models.Usage)}
}

func (f *fakeLedger) MarkDebited(_ context.Context, sessionID string, usage models.Usage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.marked[sessionID]; ok {
		return false, nil
	}
	f.marked[sessionID] = usage
	return true, nil
}

func testGate(t *testing.T, srv *httptest.Server, ttl time.Duration) *HTTPGate {
	t.Helper()
	return NewHTTPGate(config.QuotaConfig{BaseURL: srv.URL, CheckTTL: ttl}, newFakeLedger(), slog.Default())
}

func TestHTTPGate_Check(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/quota/check", r.URL.Path)
			json.NewEncoder(w).Encode(Admission{Allowed: true, Remaining: 42})
		}))
		defer srv.Close()

		adm, err := testGate(t, srv, time.Minute).Check(context.Background(), "user-1", "co-1")
		require.NoError(t, err)
		assert.True(t, adm.Allowed)
		assert.Equal(t, 42, adm.Remaining)
	})

	t.Run("denied over quota", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Admission{
				Allowed:  false,
				DenyKind: DenyOverMonthlyQuota,
				Message:  "monthly limit reached",
			})
		}))
		defer srv.Close()

		adm, err := testGate(t, srv, time.Minute).Check(context.Background(), "user-1", "co-1")
		require.NoError(t, err)
		assert.False(t, adm.Allowed)
		assert.Equal(t, DenyOverMonthlyQuota, adm.DenyKind)
	})

	t.Run("caches within TTL", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			json.NewEncoder(w).Encode(Admission{Allowed: true, Remaining: 10})
		}))
		defer srv.Close()

		gate := testGate(t, srv, time.Minute)
		for i := 0; i < 3; i++ {
			_, err := gate.Check(context.Background(), "user-1", "co-1")
			require.NoError(t, err)
		}
		assert.Equal(t, 1, calls)

		// Different user misses the cache.
		_, err := gate.Check(context.Background(), "user-2", "co-1")
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("service unreachable returns error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := testGate(t, srv, time.Minute).Check(context.Background(), "user-1", "co-1")
		assert.Error(t, err)
	})
}

func TestHTTPGate_Debit(t *testing.T) {
	t.Run("debits once per session", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/quota/debit", r.URL.Path)
			calls++
			var req debitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "sess-1", req.SessionID)
			assert.Equal(t, 1200, req.InputTokens)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		gate := testGate(t, srv, time.Minute)
		usage := models.Usage{InputTokens: 1200, OutputTokens: 340, CostCents: 7}

		require.NoError(t, gate.Debit(context.Background(), "sess-1", "user-1", "co-1", usage))
		require.NoError(t, gate.Debit(context.Background(), "sess-1", "user-1", "co-1", usage))
		assert.Equal(t, 1, calls)
	})

	t.Run("invalidates cached check", func(t *testing.T) {
		var checks int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/quota/check":
				checks++
				json.NewEncoder(w).Encode(Admission{Allowed: true, Remaining: 5})
			case "/v1/quota/debit":
				w.WriteHeader(http.StatusOK)
			}
		}))
		defer srv.Close()

		gate := testGate(t, srv, time.Minute)
		_, err := gate.Check(context.Background(), "user-1", "co-1")
		require.NoError(t, err)

		require.NoError(t, gate.Debit(context.Background(), "sess-1", "user-1", "co-1", models.Usage{CostCents: 1}))

		_, err = gate.Check(context.Background(), "user-1", "co-1")
		require.NoError(t, err)
		assert.Equal(t, 2, checks)
	})
}
