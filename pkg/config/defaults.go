package config

import "time"

// DefaultConfig returns the built-in defaults. User configuration from
// council.yaml is merged over these values.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL:        "http://localhost:8090/v1",
			PlatformKeyEnv: "GATEWAY_API_KEY",
			RetryMax:       2,
			BackoffBase:    500 * time.Millisecond,
			SoftTimeout:    90 * time.Second,
			HardTimeout:    150 * time.Second,
		},
		Quota: QuotaConfig{
			BaseURL:  "http://localhost:8091",
			CheckTTL: 5 * time.Second,
		},
		Deliberation: DeliberationConfig{
			WorkerCap:       32,
			MinDone:         3,
			StageTimeout:    240 * time.Second,
			SessionTimeout:  600 * time.Second,
			CancelGrace:     5 * time.Second,
			PersistRetryMax: 3,
		},
		Events: EventsConfig{
			HeartbeatInterval: 15 * time.Second,
			BufferSize:        256,
			CleanupGrace:      60 * time.Second,
		},
		Context: ContextConfig{
			MaxFragmentBytes: 8 * 1024,
			MaxBundleBytes:   48 * 1024,
		},
	}
}
