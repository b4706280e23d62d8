package oracle

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }

// Tool is a structured output contract: the model must answer by calling it
// with arguments that satisfy Parameters (a JSON schema object).
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Metadata identifies a request for logs and usage accounting. Module,
// PromptID and CorrelationID are mandatory.
type Metadata struct {
	Module        string            `json:"module"`
	PromptID      string            `json:"prompt_id"`
	CorrelationID string            `json:"correlation_id"`
	WorldID       string            `json:"world_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

type Request struct {
	Messages    []Message
	Tool        *Tool
	Temperature *float64
	MaxTokens   int
	Metadata    Metadata
}

// Temperature is a convenience for Request.Temperature.
func Temperature(t float64) *float64 { return &t }

// Validate checks the request before any provider call.
func (r Request) Validate() error {
	var missing []string
	if r.Metadata.Module == "" {
		missing = append(missing, "module")
	}
	if r.Metadata.PromptID == "" {
		missing = append(missing, "prompt_id")
	}
	if r.Metadata.CorrelationID == "" {
		missing = append(missing, "correlation_id")
	}
	if len(missing) > 0 {
		return newError(KindInvalidRequest, r.Metadata, 0, errMissingMetadata(missing))
	}
	if len(r.Messages) == 0 {
		return newError(KindInvalidRequest, r.Metadata, 0, errNoMessages)
	}
	if r.Tool != nil && (r.Tool.Name == "" || r.Tool.Parameters == nil) {
		return newError(KindInvalidRequest, r.Metadata, 0, errIncompleteTool)
	}
	return nil
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is a provider's raw answer, before extraction.
type Completion struct {
	Model     string
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Result is a validated answer. Arguments is set when a tool was requested.
type Result struct {
	Model     string
	ToolName  string
	Arguments json.RawMessage
	Content   string
	Usage     Usage
	Attempts  int
}

// Provider talks to a concrete model endpoint.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Completer is what callers of the gateway depend on.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}
