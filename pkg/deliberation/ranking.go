// Package deliberation runs the three-stage council workflow: parallel
// drafting, anonymous peer ranking, and chairman synthesis.
package deliberation

import (
	"sort"
	"strings"

	"github.com/councilhq/council/pkg/models"
)

// Participant pairs an anonymous label with the model behind it, in stage-1
// participant order.
type Participant struct {
	Label   string
	ModelID string
}

// minBallotLabels is the floor below which a ranker's ballot is ignored.
const minBallotLabels = 2

// ParseBallot extracts a ranker's ordered label list from its full text
// output. The first line containing at least two valid labels is taken as
// the ballot; unknown and duplicate labels on that line are skipped. Returns
// an empty slice when no line parses.
func ParseBallot(output string, participants []Participant) []string {
	valid := make(map[string]bool, len(participants))
	for _, p := range participants {
		valid[p.Label] = true
	}

	for _, line := range strings.Split(output, "\n") {
		labels := parseLine(line, valid)
		if len(labels) >= minBallotLabels {
			return labels
		}
	}
	return nil
}

func parseLine(line string, valid map[string]bool) []string {
	var labels []string
	seen := make(map[string]bool)
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c < 'A' || c > 'Z' {
			continue
		}
		// A label is a single capital letter with no letter neighbours.
		if i > 0 && isLetter(line[i-1]) {
			continue
		}
		if i+1 < len(line) && isLetter(line[i+1]) {
			continue
		}
		label := string(c)
		if !valid[label] || seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Aggregate computes the ranking order from the contributing ballots. Each
// label scores the mean of its 1-based positions across contributing
// rankers; labels a ranker omitted score N+1 for that ranker, where N is
// the participant count. Ascending by score, ties broken by stage-1
// participant order. Empty when no ballot contributes.
func Aggregate(ballots []models.Ballot, participants []Participant) []models.AggregateEntry {
	n := len(participants)

	var contributing []models.Ballot
	for _, b := range ballots {
		if len(b.Labels) >= minBallotLabels {
			contributing = append(contributing, b)
		}
	}
	if len(contributing) == 0 {
		return nil
	}

	entries := make([]models.AggregateEntry, 0, n)
	order := make(map[string]int, n)
	for i, p := range participants {
		order[p.Label] = i

		total := 0
		count := 0
		for _, b := range contributing {
			pos := n + 1
			for j, label := range b.Labels {
				if label == p.Label {
					pos = j + 1
					count++
					break
				}
			}
			total += pos
		}
		entries = append(entries, models.AggregateEntry{
			Label:         p.Label,
			ModelID:       p.ModelID,
			AverageRank:   float64(total) / float64(len(contributing)),
			RankingsCount: count,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].AverageRank != entries[j].AverageRank {
			return entries[i].AverageRank < entries[j].AverageRank
		}
		return order[entries[i].Label] < order[entries[j].Label]
	})
	return entries
}
