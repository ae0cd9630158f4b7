package models

// Usage accumulates token and cost accounting for one worker, stage, or
// session. CostCents is integral to avoid float drift in billing sums.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CostCents    int `json:"cost_cents"`
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		CostCents:    u.CostCents + other.CostCents,
	}
}

// IsZero reports whether no usage has been recorded.
func (u Usage) IsZero() bool {
	return u == Usage{}
}
