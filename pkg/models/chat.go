package models

// Chat message roles understood by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one role-tagged message in a gateway request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
