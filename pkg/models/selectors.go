package models

// ContextSelectors names the stored fragments the caller wants assembled
// into the session context. Auto-inject playbooks are added regardless of
// PlaybookIDs.
type ContextSelectors struct {
	DepartmentIDs []string `json:"department_ids,omitempty"`
	RoleIDs       []string `json:"role_ids,omitempty"`
	ProjectID     string   `json:"project_id,omitempty"`
	PlaybookIDs   []string `json:"playbook_ids,omitempty"`
	DecisionIDs   []string `json:"decision_ids,omitempty"`
}
