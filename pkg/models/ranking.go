package models

// Ballot is one ranker's parsed output: an ordered list of anonymous labels
// referring to stage-1 participants. An empty ballot contributes nothing to
// the aggregate.
type Ballot struct {
	Role   string   `json:"role"`
	Labels []string `json:"labels"`
}

// AggregateEntry is one row of the aggregate ranking.
type AggregateEntry struct {
	Label         string  `json:"label"`
	ModelID       string  `json:"model_id"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Ranking is the stage-2 result: the per-ranker ballots and the aggregate
// order. Empty when no ranker produced a parsable ballot; the empty ranking
// is still persisted.
type Ranking struct {
	Ballots   []Ballot         `json:"ballots"`
	Aggregate []AggregateEntry `json:"aggregate"`
}

// Empty reports whether the aggregate carries no entries.
func (r Ranking) Empty() bool {
	return len(r.Aggregate) == 0
}
