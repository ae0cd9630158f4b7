package models

// FragmentKind classifies one context fragment by its source.
type FragmentKind string

// Fragment kinds, in assembly precedence order (highest first).
const (
	FragmentCompany    FragmentKind = "company"
	FragmentDepartment FragmentKind = "department"
	FragmentRole       FragmentKind = "role"
	FragmentProject    FragmentKind = "project"
	FragmentPlaybook   FragmentKind = "playbook"
	FragmentDecision   FragmentKind = "decision"
)

// Fragment is one (kind, title, body) piece of assembled context.
type Fragment struct {
	Kind  FragmentKind `json:"kind"`
	Title string       `json:"title"`
	Body  string       `json:"body"`
}

// ContextBundle is the immutable ordered set of prompt fragments composed
// before stage 1, plus the user question. It is owned by the session and
// passed by reference into every worker.
type ContextBundle struct {
	Fragments []Fragment `json:"fragments"`
	Question  string     `json:"question"`

	// Dropped records fragments discarded to fit the total size cap,
	// for telemetry. Dropping never fails the assembly.
	Dropped []Fragment `json:"-"`

	// Truncated counts fragments cut at a paragraph boundary to fit the
	// per-fragment cap.
	Truncated int `json:"-"`
}

// SystemPrompt renders the bundle into the system prompt text shared by all
// workers of the session.
func (b *ContextBundle) SystemPrompt() string {
	var out []byte
	for i, f := range b.Fragments {
		if i > 0 {
			out = append(out, "\n\n"...)
		}
		out = append(out, "## "...)
		out = append(out, f.Title...)
		out = append(out, '\n')
		out = append(out, f.Body...)
	}
	return string(out)
}
