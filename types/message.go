// Package types provides the core value types shared by every package in
// this module. It has ZERO dependencies on other packages in this module to
// avoid circular imports — all other packages import types from here.
package types

import "time"

// Role identifies the speaker of a message exchanged with a model.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation sent to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewMessage builds a Message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// ModelIdentifier names one concrete model on one provider, e.g.
// {Provider: "openai", Model: "gpt-4o"}.
type ModelIdentifier struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// String renders "provider/model", the canonical display form used in logs
// and in OrchestrationResult output.
func (m ModelIdentifier) String() string {
	if m.Provider == "" {
		return m.Model
	}
	return m.Provider + "/" + m.Model
}

// ModelCall is one outbound request to a provider adapter.
type ModelCall struct {
	Model       ModelIdentifier
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// ModelResponse is the normalized result of a successful ModelCall.
type ModelResponse struct {
	Model            ModelIdentifier
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	FinishReason     string
}

// TotalTokens is PromptTokens + CompletionTokens.
func (r ModelResponse) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}
