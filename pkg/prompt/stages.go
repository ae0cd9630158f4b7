package prompt

import (
	"fmt"
	"strings"

	"github.com/councilhq/council/pkg/models"
)

// LabelAlphabet is the anonymisation alphabet for stage-1 participants.
// Stage 2 rankers only ever see these labels; the label-to-model mapping
// stays inside the orchestrator until the final record.
const LabelAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Label returns the anonymous label for the stage-1 participant at index i,
// in stage-1 participant order.
func Label(i int) string {
	return string(LabelAlphabet[i])
}

// Draft pairs an anonymous label with a stage-1 output.
type Draft struct {
	Label string
	Text  string
}

const draftInstruction = `You are one of several independent senior advisors to the leadership team. Answer the question below using the organisational context provided. Give your own best recommendation with concrete reasoning. Do not hedge toward consensus; other advisors answer independently.`

const rankingInstructionFmt = `You are reviewing anonymous advisor responses to the same question. Rank the responses from best to worst by how actionable, well-reasoned, and grounded in the organisational context they are.

Reply with the ranking on its own line in the form: %s

You may add a brief justification after the ranking line.`

const chairmanInstruction = `You are the chairman of an advisory council. Several advisors have independently answered the question below, and their responses were peer-ranked. Synthesise one authoritative reply: integrate the strongest points, resolve disagreements explicitly, and end with a clear recommendation. Address the user directly; do not mention the advisors or the ranking process.`

// DraftMessages builds the stage-1 request for one drafting worker.
func DraftMessages(bundle *models.ContextBundle) []models.ChatMessage {
	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: joinSections(bundle.SystemPrompt(), draftInstruction)},
		{Role: models.RoleUser, Content: bundle.Question},
	}
}

// RankingMessages builds the stage-2 request for one ranker. Drafts are
// presented behind their anonymous labels in stage-1 participant order.
func RankingMessages(bundle *models.ContextBundle, drafts []Draft) []models.ChatMessage {
	labels := make([]string, len(drafts))
	for i, d := range drafts {
		labels[i] = d.Label
	}
	example := strings.Join(labels, " > ")

	var user strings.Builder
	fmt.Fprintf(&user, "Question:\n%s\n", bundle.Question)
	for _, d := range drafts {
		fmt.Fprintf(&user, "\n### Response %s\n%s\n", d.Label, d.Text)
	}

	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: joinSections(bundle.SystemPrompt(), fmt.Sprintf(rankingInstructionFmt, example))},
		{Role: models.RoleUser, Content: user.String()},
	}
}

// SynthesisMessages builds the stage-3 chairman request. The aggregate
// ranking section is omitted when ranking is unavailable.
func SynthesisMessages(bundle *models.ContextBundle, drafts []Draft, aggregate []models.AggregateEntry) []models.ChatMessage {
	var user strings.Builder
	fmt.Fprintf(&user, "Question:\n%s\n", bundle.Question)
	for _, d := range drafts {
		fmt.Fprintf(&user, "\n### Advisor %s\n%s\n", d.Label, d.Text)
	}
	if len(aggregate) > 0 {
		user.WriteString("\n### Peer ranking (best first)\n")
		for i, e := range aggregate {
			fmt.Fprintf(&user, "%d. Advisor %s (average rank %.2f across %d rankers)\n",
				i+1, e.Label, e.AverageRank, e.RankingsCount)
		}
	}

	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: joinSections(bundle.SystemPrompt(), chairmanInstruction)},
		{Role: models.RoleUser, Content: user.String()},
	}
}

func joinSections(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}
