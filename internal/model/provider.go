// Package model defines the Agent Worker's model-runtime boundary
// (spec.md §1, §4.4): a single non-streaming "turn one prompt into one
// response" call. Agent orchestration, tool use, and multi-turn runtime
// management live entirely outside this module's scope; a Provider only
// needs to reach a commercial completion API and normalize its answer.
package model

import "context"

// Role identifies the speaker of a message in a completion request.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in the conversation passed to a Provider.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest is everything a Provider needs for one model turn.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
}

// CompletionResponse is the normalized result of one model turn.
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      Usage
}

// Usage is the token accounting most commercial completion APIs return.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Provider is the narrow interface the Agent Worker depends on
// (internal/agentworker/server.go's completion call).
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
