package config

import "errors"

// Sentinel configuration errors.
var (
	// ErrConfigIncomplete indicates a purpose resolves to fewer model
	// choices than its configured minimum. Fatal for any session that
	// needs the purpose.
	ErrConfigIncomplete = errors.New("model configuration incomplete")

	// ErrInvalidConfig indicates a structurally invalid configuration
	// value (non-positive cap, missing gateway URL, and so on).
	ErrInvalidConfig = errors.New("invalid configuration")
)
