// Package events defines the CloudEvents-shaped envelope used by the
// broker strategy and the NormalizedRequest record produced by the
// Request Router.
package events

import (
	"encoding/json"
	"time"
)

// Type is one of the four core event types the Request Management core
// produces and consumes.
type Type string

const (
	TypeRequestCreated        Type = "com.selfserviceagent.request.created"
	TypeRequestProcessing     Type = "com.selfserviceagent.request.processing"
	TypeResponseReady         Type = "com.selfserviceagent.response.ready"
	TypeRequestDatabaseUpdate Type = "com.selfserviceagent.request.database-update"
)

const DataContentTypeJSON = "application/json"

// Envelope is the CloudEvents-shaped structured message format (spec.md
// §4.5/§6): id, source, type, subject (= session id), time,
// datacontenttype, and a typed data payload.
type Envelope struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            Type            `json:"type"`
	Subject         string          `json:"subject"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`

	// TraceID carries a correlation id through to the error taxonomy's
	// "logged with correlation id" requirement (spec.md §7).
	TraceID string `json:"traceid,omitempty"`
}

// DecodeData unmarshals the envelope's data payload into v.
func (e Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// NewEnvelope builds an Envelope with the given data marshaled into the
// payload field.
func NewEnvelope(id, source string, typ Type, subject string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:              id,
		Source:          source,
		Type:            typ,
		Subject:         subject,
		Time:            time.Now().UTC(),
		DataContentType: DataContentTypeJSON,
		Data:            raw,
	}, nil
}

// Surface is the inbound-surface kind a session or request originated
// from (spec.md §3).
type Surface string

const (
	SurfaceChat    Surface = "chat"
	SurfaceWeb     Surface = "web"
	SurfaceCLI     Surface = "cli"
	SurfaceTool    Surface = "tool"
	SurfaceGeneric Surface = "generic"
)

// NormalizedRequest is the uniform internal record produced from any
// surface's raw payload (spec.md §4.1).
type NormalizedRequest struct {
	RequestID          string          `json:"request_id"`
	SessionID          string          `json:"session_id"`
	UserID             string          `json:"user_id"`
	Surface            Surface         `json:"surface"`
	ChannelID          string          `json:"channel_id,omitempty"`
	ThreadID           string          `json:"thread_id,omitempty"`
	ExternalUserID     string          `json:"external_user_id,omitempty"`
	WorkspaceID        string          `json:"workspace_id,omitempty"`
	Content            string          `json:"content"`
	ForcedIntegration  string          `json:"forced_integration_kind,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	IntegrationContext json.RawMessage `json:"integration_context,omitempty"`

	// ToolID, ToolInstanceID, TriggerEvent, ToolContext are populated
	// only for the tool surface (spec.md §6).
	ToolID         string          `json:"tool_id,omitempty"`
	ToolInstanceID string          `json:"tool_instance_id,omitempty"`
	TriggerEvent   string          `json:"trigger_event,omitempty"`
	ToolContext    json.RawMessage `json:"tool_context,omitempty"`
}

// ResponseReadyData is the payload of a response.ready event.
type ResponseReadyData struct {
	RequestID          string         `json:"request_id"`
	SessionID          string         `json:"session_id"`
	AgentID            string         `json:"agent_id"`
	Content            string         `json:"content"`
	CompletionMetadata map[string]any `json:"metadata,omitempty"`
	ErrorKind          string         `json:"error_kind,omitempty"`
}

// RequestProcessingData is the payload of a request.processing event.
type RequestProcessingData struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
}

// DatabaseUpdateData is the payload of a request.database-update event.
type DatabaseUpdateData struct {
	SessionID    string         `json:"session_id"`
	ContextDelta map[string]any `json:"context_delta"`
}

// MaxContentBytes bounds NormalizedRequest.Content (spec.md §4.1 "bounded
// to N KB"); exported so both the Router's validation and tests share one
// constant.
const MaxContentBytes = 32 * 1024
