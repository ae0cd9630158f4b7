// Package registry maps logical stage purposes to concrete model choices.
package registry

import (
	"fmt"
	"sort"

	"github.com/councilhq/council/pkg/config"
)

// Registry answers "which models serve purpose P for company C". It is
// built once from configuration and immutable afterwards, so reads need no
// locking.
type Registry struct {
	defaults  config.ModelSet
	companies map[string]config.ModelSet
}

// New creates a registry from the models configuration.
func New(models config.ModelsConfig) *Registry {
	companies := make(map[string]config.ModelSet, len(models.Companies))
	for id, set := range models.Companies {
		companies[id] = set
	}
	return &Registry{
		defaults:  models.Defaults,
		companies: companies,
	}
}

// Resolve returns the active model choices for a purpose, sorted by
// priority ascending. An empty companyID selects the global defaults; a
// company override replaces the default list for the purposes it names.
// Fails with config.ErrConfigIncomplete when fewer than the purpose's
// minimum choices are configured.
func (r *Registry) Resolve(companyID string, purpose config.Purpose) ([]config.ModelChoice, error) {
	choices := r.defaults.ForPurpose(purpose)
	if companyID != "" {
		if set, ok := r.companies[companyID]; ok {
			if override := set.ForPurpose(purpose); len(override) > 0 {
				choices = override
			}
		}
	}

	if min := purpose.MinimumChoices(); len(choices) < min {
		return nil, fmt.Errorf("%w: purpose %s resolved %d models for company %q, need %d",
			config.ErrConfigIncomplete, purpose, len(choices), companyID, min)
	}

	sorted := make([]config.ModelChoice, len(choices))
	copy(sorted, choices)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted, nil
}

// Fallback picks the next-priority choice for the same company and purpose
// that has not been tried yet. Returns false when every configured choice
// was already tried.
func (r *Registry) Fallback(companyID string, purpose config.Purpose, tried []string) (config.ModelChoice, bool) {
	choices, err := r.Resolve(companyID, purpose)
	if err != nil {
		return config.ModelChoice{}, false
	}
	for _, c := range choices {
		if !contains(tried, c.Model) {
			return c, true
		}
	}
	return config.ModelChoice{}, false
}

// Rate returns the billing rates for a model id, searching every configured
// set. Unknown models bill at zero; the client then falls back to usage
// estimation without cost.
func (r *Registry) Rate(modelID string) (inputPer1K, outputPer1K int) {
	sets := make([]config.ModelSet, 0, len(r.companies)+1)
	sets = append(sets, r.defaults)
	for _, s := range r.companies {
		sets = append(sets, s)
	}
	for _, set := range sets {
		for _, p := range []config.Purpose{config.PurposeStage1, config.PurposeStage2, config.PurposeStage3} {
			for _, c := range set.ForPurpose(p) {
				if c.Model == modelID {
					return c.InputRatePer1K, c.OutputRatePer1K
				}
			}
		}
	}
	return 0, 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
