package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// pipeline and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles used across the pipeline and the session store.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)
