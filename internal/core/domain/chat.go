package domain

import (
	"fmt"
	"strings"
	"time"
)

type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

type ChatTurn struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatRequest struct {
	CompanyID string `json:"company_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.CompanyID) == "" {
		return fmt.Errorf("%w: company id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	return nil
}

type ChatAnswer struct {
	Answer       string           `json:"answer"`
	ProviderUsed string           `json:"provider_used"`
	Sources      []RetrievedChunk `json:"sources"`
	Fallbacks    int              `json:"-"`
}

type PromptMessage struct {
	Role    ChatRole
	Content string
}

// Prompt is the provider-neutral input of one generation call.
type Prompt struct {
	System  string
	Context []RetrievedChunk
	History []ChatTurn
	Query   string
}

// Messages renders the prompt as: system instructions with retrieved context,
// history oldest to newest, then the current query.
func (p Prompt) Messages() []PromptMessage {
	out := make([]PromptMessage, 0, len(p.History)+2)
	out = append(out, PromptMessage{Role: RoleSystem, Content: p.systemText()})
	for _, turn := range p.History {
		if turn.Role != RoleUser && turn.Role != RoleAssistant {
			continue
		}
		out = append(out, PromptMessage{Role: turn.Role, Content: turn.Content})
	}
	out = append(out, PromptMessage{Role: RoleUser, Content: p.Query})
	return out
}

func (p Prompt) systemText() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.System))
	b.WriteString("\n\nContext:\n")
	if len(p.Context) == 0 {
		b.WriteString("(no relevant documents found)\n")
	}
	for i, chunk := range p.Context {
		fmt.Fprintf(&b, "[%d] source=%s chunk=%d\n%s\n\n", i+1, chunk.SourcePath, chunk.Index, chunk.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
