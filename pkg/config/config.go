// Package config loads, merges, and validates the council.yaml
// configuration. Configuration is read once at process start and passed
// explicitly into the components that need it; there is no module-level
// mutable state.
package config

import "time"

// Config is the fully merged, validated process configuration.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	Quota        QuotaConfig        `yaml:"quota"`
	Deliberation DeliberationConfig `yaml:"deliberation"`
	Events       EventsConfig       `yaml:"events"`
	Context      ContextConfig      `yaml:"context"`
	Models       ModelsConfig       `yaml:"models"`
}

// GatewayConfig holds the LLM gateway connection settings.
type GatewayConfig struct {
	// BaseURL is the gateway root, e.g. "https://gateway.example.com/v1".
	BaseURL string `yaml:"base_url"`

	// PlatformKeyEnv names the environment variable carrying the platform
	// API key. A caller-supplied BYOK key overrides it when present and
	// marked active.
	PlatformKeyEnv string `yaml:"platform_key_env"`

	// RetryMax is the number of retries after the first attempt for
	// timeouts, 429s, and 5xx responses.
	RetryMax int `yaml:"retry_max"`

	// BackoffBase is the initial backoff interval; doubled per attempt
	// with ±25% jitter.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// SoftTimeout is the per-call timeout that triggers a retry.
	SoftTimeout time.Duration `yaml:"soft_timeout"`

	// HardTimeout is the per-worker ceiling; exceeding it forces error.
	HardTimeout time.Duration `yaml:"hard_timeout"`
}

// QuotaConfig holds the external quota service settings.
type QuotaConfig struct {
	BaseURL string `yaml:"base_url"`

	// CheckTTL bounds how long an admission decision may be served from
	// cache. The gate is read-mostly; seconds-level staleness is fine.
	CheckTTL time.Duration `yaml:"check_ttl"`
}

// DeliberationConfig controls stage execution and session lifecycle.
type DeliberationConfig struct {
	// WorkerCap is the global bound on concurrently executing workers
	// across all sessions. Sessions queue FIFO at the stage boundary.
	WorkerCap int `yaml:"worker_cap"`

	// MinDone is the AllOrDegraded minimum for stages 1 and 2.
	MinDone int `yaml:"min_done"`

	StageTimeout   time.Duration `yaml:"stage_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// CancelGrace bounds how long a stop waits for slow workers before
	// the executor fabricates their cancelled finish events.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// PersistRetryMax bounds background retries of a failed terminal
	// persistence write before recording a divergence.
	PersistRetryMax int `yaml:"persist_retry_max"`
}

// EventsConfig tunes the per-session event stream.
type EventsConfig struct {
	// HeartbeatInterval is the idle interval after which a heartbeat
	// event is emitted.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// BufferSize is the number of undelivered events retained before
	// consecutive same-role token events start coalescing.
	BufferSize int `yaml:"buffer_size"`

	// CleanupGrace is how long a terminal session's stream stays
	// attachable before eviction from the hub.
	CleanupGrace time.Duration `yaml:"cleanup_grace"`
}

// ContextConfig caps the assembled context bundle.
type ContextConfig struct {
	// MaxFragmentBytes caps one fragment; longer fragments are truncated
	// at a paragraph boundary.
	MaxFragmentBytes int `yaml:"max_fragment_bytes"`

	// MaxBundleBytes caps the whole bundle; lowest-precedence fragments
	// are dropped first when exceeded.
	MaxBundleBytes int `yaml:"max_bundle_bytes"`
}

// Purpose identifies which deliberation stage a model choice serves.
type Purpose string

// Purposes, one per stage.
const (
	PurposeStage1 Purpose = "stage1"
	PurposeStage2 Purpose = "stage2"
	PurposeStage3 Purpose = "stage3"
)

// MinimumChoices returns the configured floor of model choices a purpose
// must resolve to.
func (p Purpose) MinimumChoices() int {
	if p == PurposeStage3 {
		return 1
	}
	return 3
}

// ModelChoice is one (provider, model, priority) registry entry with its
// billing rates.
type ModelChoice struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Priority orders choices ascending; the lowest untried priority is
	// the fallback candidate.
	Priority int `yaml:"priority"`

	// Billing rates in hundredths of a cent per 1K tokens.
	InputRatePer1K  int `yaml:"input_rate_per_1k"`
	OutputRatePer1K int `yaml:"output_rate_per_1k"`
}

// ModelSet lists the model choices per purpose.
type ModelSet struct {
	Stage1 []ModelChoice `yaml:"stage1"`
	Stage2 []ModelChoice `yaml:"stage2"`
	Stage3 []ModelChoice `yaml:"stage3"`
}

// ForPurpose returns the slice for a purpose (nil for unknown purposes).
func (s ModelSet) ForPurpose(p Purpose) []ModelChoice {
	switch p {
	case PurposeStage1:
		return s.Stage1
	case PurposeStage2:
		return s.Stage2
	case PurposeStage3:
		return s.Stage3
	default:
		return nil
	}
}

// ModelsConfig is the registry source data: global defaults plus optional
// per-company overrides (replace semantics per purpose, not merge).
type ModelsConfig struct {
	Defaults  ModelSet            `yaml:"defaults"`
	Companies map[string]ModelSet `yaml:"companies"`
}

// WidestStage returns the largest worker set any single stage can request,
// across the defaults and every company override. An override replaces only
// the purposes it names; an empty purpose falls back to the defaults. The
// synthesis stage always runs one worker and never widens the answer.
func (m ModelsConfig) WidestStage() int {
	widest := 1
	for _, p := range []Purpose{PurposeStage1, PurposeStage2} {
		base := len(m.Defaults.ForPurpose(p))
		if base > widest {
			widest = base
		}
		for _, set := range m.Companies {
			n := len(set.ForPurpose(p))
			if n == 0 {
				n = base
			}
			if n > widest {
				widest = n
			}
		}
	}
	return widest
}
