package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/councilhq/council/pkg/models"
)

// CompanyContext is the snapshot of stored fragments read once at session
// composing. Later mutations by other actors do not affect an in-flight
// session.
type CompanyContext struct {
	Company     models.Fragment
	Disabled    bool
	Departments []models.Fragment
	Roles       []models.Fragment
	Project     *models.Fragment
	Playbooks   []models.Fragment
	Decisions   []models.Fragment
}

// ReadCompanyContext loads the selected fragments for one company.
// Auto-inject playbooks are always included; selected ids add to them.
func (s *Store) ReadCompanyContext(ctx context.Context, companyID string, sel models.ContextSelectors) (*CompanyContext, error) {
	out := &CompanyContext{}

	var name, body string
	err := s.pool.QueryRow(ctx,
		`SELECT name, context, disabled FROM companies WHERE id = $1`, companyID).
		Scan(&name, &body, &out.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("company %s: %w", companyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read company %s: %w", companyID, err)
	}
	out.Company = models.Fragment{Kind: models.FragmentCompany, Title: name, Body: body}

	if len(sel.DepartmentIDs) > 0 {
		out.Departments, err = s.fragments(ctx, models.FragmentDepartment, `
			SELECT name, context FROM departments
			WHERE company_id = $1 AND id = ANY($2)
			ORDER BY name`, companyID, sel.DepartmentIDs)
		if err != nil {
			return nil, err
		}
	}

	if len(sel.RoleIDs) > 0 {
		out.Roles, err = s.fragments(ctx, models.FragmentRole, `
			SELECT r.name, r.context FROM roles r
			JOIN departments d ON d.id = r.department_id
			WHERE d.company_id = $1 AND r.id = ANY($2)
			ORDER BY r.name`, companyID, sel.RoleIDs)
		if err != nil {
			return nil, err
		}
	}

	if sel.ProjectID != "" {
		var pName, pBody string
		err := s.pool.QueryRow(ctx, `
			SELECT name, context FROM projects
			WHERE company_id = $1 AND id = $2`, companyID, sel.ProjectID).
			Scan(&pName, &pBody)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read project %s: %w", sel.ProjectID, err)
		}
		if err == nil {
			out.Project = &models.Fragment{Kind: models.FragmentProject, Title: pName, Body: pBody}
		}
	}

	playbookIDs := sel.PlaybookIDs
	if playbookIDs == nil {
		playbookIDs = []string{}
	}
	out.Playbooks, err = s.fragments(ctx, models.FragmentPlaybook, `
		SELECT p.name, v.body
		FROM playbooks p
		JOIN LATERAL (
			SELECT body FROM playbook_versions
			WHERE playbook_id = p.id
			ORDER BY version DESC LIMIT 1
		) v ON true
		WHERE p.company_id = $1 AND (p.auto_inject OR p.id = ANY($2))
		ORDER BY p.name`, companyID, playbookIDs)
	if err != nil {
		return nil, err
	}

	if len(sel.DecisionIDs) > 0 {
		out.Decisions, err = s.fragments(ctx, models.FragmentDecision, `
			SELECT title, body FROM decisions
			WHERE company_id = $1 AND id = ANY($2)
			ORDER BY decided_at`, companyID, sel.DecisionIDs)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (s *Store) fragments(ctx context.Context, kind models.FragmentKind, query string, args ...any) ([]models.Fragment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s fragments: %w", kind, err)
	}
	defer rows.Close()

	var out []models.Fragment
	for rows.Next() {
		f := models.Fragment{Kind: kind}
		if err := rows.Scan(&f.Title, &f.Body); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
