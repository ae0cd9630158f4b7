package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/models"
)

// HTTPGate talks to the billing service over HTTP. Check results are cached
// per user for a short TTL so reattach storms do not hammer billing.
type HTTPGate struct {
	baseURL string
	client  *http.Client
	ledger  DebitLedger
	logger  *slog.Logger

	mu       sync.Mutex
	checkTTL time.Duration
	cache    map[string]cachedCheck
}

type cachedCheck struct {
	admission Admission
	expires   time.Time
}

// NewHTTPGate creates a gate backed by the billing service at cfg.BaseURL.
func NewHTTPGate(cfg config.QuotaConfig, ledger DebitLedger, logger *slog.Logger) *HTTPGate {
	return &HTTPGate{
		baseURL:  cfg.BaseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		ledger:   ledger,
		logger:   logger.With("component", "budget_gate"),
		checkTTL: cfg.CheckTTL,
		cache:    make(map[string]cachedCheck),
	}
}

type checkRequest struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`
}

type debitRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	CompanyID    string `json:"company_id"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CostCents    int    `json:"cost_cents"`
}

// Check implements Gate. Denials are returned as Admission values, not
// errors; an error means the billing service itself was unreachable.
func (g *HTTPGate) Check(ctx context.Context, userID, companyID string) (Admission, error) {
	key := userID + "/" + companyID

	g.mu.Lock()
	if c, ok := g.cache[key]; ok && time.Now().Before(c.expires) {
		g.mu.Unlock()
		return c.admission, nil
	}
	g.mu.Unlock()

	var adm Admission
	err := g.post(ctx, "/v1/quota/check", checkRequest{UserID: userID, CompanyID: companyID}, &adm)
	if err != nil {
		return Admission{}, fmt.Errorf("quota check failed: %w", err)
	}

	g.mu.Lock()
	g.cache[key] = cachedCheck{admission: adm, expires: time.Now().Add(g.checkTTL)}
	g.mu.Unlock()

	if !adm.Allowed {
		g.logger.Info("Session admission denied",
			"user_id", userID, "company_id", companyID, "deny_kind", adm.DenyKind)
	}
	return adm, nil
}

// Debit implements Gate. The local ledger row is written first so a crash
// between ledger and billing call never double-charges: replays see the
// existing row and return early.
func (g *HTTPGate) Debit(ctx context.Context, sessionID, userID, companyID string, usage models.Usage) error {
	first, err := g.ledger.MarkDebited(ctx, sessionID, usage)
	if err != nil {
		return fmt.Errorf("failed to record debit for session %s: %w", sessionID, err)
	}
	if !first {
		g.logger.Debug("Debit already recorded, skipping", "session_id", sessionID)
		return nil
	}

	// Invalidate cached checks so the next admission sees the new balance.
	g.mu.Lock()
	delete(g.cache, userID+"/"+companyID)
	g.mu.Unlock()

	req := debitRequest{
		SessionID:    sessionID,
		UserID:       userID,
		CompanyID:    companyID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostCents:    usage.CostCents,
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err = backoff.Retry(func() error {
		return g.post(ctx, "/v1/quota/debit", req, nil)
	}, policy)
	if err != nil {
		return fmt.Errorf("quota debit failed for session %s: %w", sessionID, err)
	}

	g.logger.Info("Debited session usage",
		"session_id", sessionID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cost_cents", usage.CostCents)
	return nil
}

func (g *HTTPGate) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("billing service returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
