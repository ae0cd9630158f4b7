// Package prompt assembles the per-session context bundle and builds the
// prompts for the three deliberation stages.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/models"
)

// ErrContextTooLarge is returned when the mandatory fragments (company header
// and question) alone exceed the bundle cap. Optional fragments are dropped,
// never the mandatory ones.
var ErrContextTooLarge = fmt.Errorf("context too large")

// AssembleInput carries the caller-selected fragments for one session.
// Company and Question are mandatory; everything else is optional.
type AssembleInput struct {
	Company     models.Fragment
	Departments []models.Fragment
	Roles       []models.Fragment
	Project     *models.Fragment
	Playbooks   []models.Fragment
	Decisions   []models.Fragment
	Question    string
}

// Assembler composes context bundles. Deterministic: identical inputs yield
// an identical bundle.
type Assembler struct {
	maxFragmentBytes int
	maxBundleBytes   int
	logger           *slog.Logger
}

// NewAssembler creates an assembler with the configured size caps.
func NewAssembler(cfg config.ContextConfig, logger *slog.Logger) *Assembler {
	return &Assembler{
		maxFragmentBytes: cfg.MaxFragmentBytes,
		maxBundleBytes:   cfg.MaxBundleBytes,
		logger:           logger.With("component", "context_assembler"),
	}
}

// Assemble builds the bundle in precedence order: company, departments,
// roles, project, playbooks, prior decisions, question. Fragments over the
// per-fragment cap are truncated at a paragraph boundary. When the total
// exceeds the bundle cap, lowest-precedence fragments are dropped first
// (decisions, then playbooks); drops are recorded on the bundle.
func (a *Assembler) Assemble(in AssembleInput) (*models.ContextBundle, error) {
	if in.Question == "" {
		return nil, fmt.Errorf("question is required")
	}

	bundle := &models.ContextBundle{Question: in.Question}

	add := func(f models.Fragment) {
		body, cut := a.truncate(f.Body)
		if cut {
			bundle.Truncated++
		}
		f.Body = body
		bundle.Fragments = append(bundle.Fragments, f)
	}

	add(in.Company)
	for _, f := range in.Departments {
		add(f)
	}
	for _, f := range in.Roles {
		add(f)
	}
	if in.Project != nil {
		add(*in.Project)
	}
	for _, f := range in.Playbooks {
		add(f)
	}
	for _, f := range in.Decisions {
		add(f)
	}

	// Shed optional fragments, lowest precedence first, until the bundle
	// fits. Decisions go before playbooks, and within a kind the last
	// selected fragment goes first.
	for _, kind := range []models.FragmentKind{models.FragmentDecision, models.FragmentPlaybook} {
		for a.size(bundle) > a.maxBundleBytes {
			if !a.dropLast(bundle, kind) {
				break
			}
		}
	}

	if a.size(bundle) > a.maxBundleBytes {
		return nil, fmt.Errorf("%w: mandatory fragments occupy %d of %d bytes",
			ErrContextTooLarge, a.size(bundle), a.maxBundleBytes)
	}

	if len(bundle.Dropped) > 0 || bundle.Truncated > 0 {
		a.logger.Warn("Context bundle trimmed to fit caps",
			"dropped", len(bundle.Dropped),
			"truncated", bundle.Truncated,
			"size_bytes", a.size(bundle))
	}
	return bundle, nil
}

func (a *Assembler) size(b *models.ContextBundle) int {
	total := len(b.Question)
	for _, f := range b.Fragments {
		total += len(f.Title) + len(f.Body)
	}
	return total
}

func (a *Assembler) dropLast(b *models.ContextBundle, kind models.FragmentKind) bool {
	for i := len(b.Fragments) - 1; i >= 0; i-- {
		if b.Fragments[i].Kind == kind {
			b.Dropped = append(b.Dropped, b.Fragments[i])
			b.Fragments = append(b.Fragments[:i], b.Fragments[i+1:]...)
			return true
		}
	}
	return false
}

// truncate cuts body to the per-fragment cap at the last paragraph break
// before the cap, falling back to a hard cut when the fragment is one
// paragraph.
func (a *Assembler) truncate(body string) (string, bool) {
	if len(body) <= a.maxFragmentBytes {
		return body, false
	}
	cut := body[:a.maxFragmentBytes]
	if idx := strings.LastIndex(cut, "\n\n"); idx > 0 {
		return cut[:idx], true
	}
	// Avoid splitting a UTF-8 sequence on a hard cut.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut, true
}
