// Package normalizer implements the Event Normalizer (C3): it converts raw
// agent-server SSE events into typed, ordered message parts, detecting and
// discarding an echo of the user's own prompt text.
package normalizer

import "encoding/json"

// RawEventType enumerates the agent-server SSE event types the normalizer
// recognizes; anything else is ignored.
const (
	EventServerConnected = "server.connected"
	EventSessionIdle     = "session.idle"
	EventPartUpdated     = "message.part.updated"
	EventMessageStart    = "message.start"
	EventMessageComplete = "message.complete"
	EventError           = "error"
)

// rawPartEnvelope is the body of a message.part.updated event's properties.
type rawPartEnvelope struct {
	Part  rawPart `json:"part"`
	Index *int    `json:"index"`
}

// rawPart is a tagged union covering every field alias the agent server is
// observed to send for a tool part, plus the plain text-part fields. All
// possible aliases live in this one struct so adding a new variant is a
// one-line change to the classify table below.
type rawPart struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`

	Tool       string `json:"tool"`
	Name       string `json:"name"`
	ToolName   string `json:"toolName"`
	CallID     string `json:"callID"`
	ToolCallID string `json:"toolCallId"`

	Input     json.RawMessage `json:"input"`
	Arguments json.RawMessage `json:"arguments"`
	Output    json.RawMessage `json:"output"`
	Result    json.RawMessage `json:"result"`
	Status    string          `json:"status"`

	State *rawPartState `json:"state"`
}

type rawPartState struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
	Status string          `json:"status"`
}

var toolPartTypes = map[string]bool{
	"tool":             true,
	"tool-call":        true,
	"tool_call":        true,
	"tool-invocation":  true,
	"tool_use":         true,
}

func (p rawPart) isToolPart() bool {
	return toolPartTypes[p.Type]
}

func (p rawPart) isTextPart() bool {
	return p.Type == "text" && p.Text != ""
}

func (p rawPart) toolNameAlias() string {
	switch {
	case p.Tool != "":
		return p.Tool
	case p.Name != "":
		return p.Name
	case p.ToolName != "":
		return p.ToolName
	default:
		return "unknown"
	}
}

func (p rawPart) toolIDAlias(fallback func() string) string {
	switch {
	case p.ID != "":
		return p.ID
	case p.CallID != "":
		return p.CallID
	case p.ToolCallID != "":
		return p.ToolCallID
	default:
		return fallback()
	}
}

func (p rawPart) argumentsAlias() json.RawMessage {
	switch {
	case p.State != nil && len(p.State.Input) > 0:
		return p.State.Input
	case len(p.Input) > 0:
		return p.Input
	case len(p.Arguments) > 0:
		return p.Arguments
	default:
		return json.RawMessage("{}")
	}
}

func (p rawPart) resultAlias() json.RawMessage {
	switch {
	case p.State != nil && len(p.State.Output) > 0:
		return p.State.Output
	case len(p.Output) > 0:
		return p.Output
	case len(p.Result) > 0:
		return p.Result
	default:
		return nil
	}
}

func (p rawPart) rawStatus() string {
	if p.State != nil && p.State.Status != "" {
		return p.State.Status
	}
	return p.Status
}

var toolStateAliases = map[string]string{
	"pending":   "pending",
	"running":   "running",
	"completed": "completed",
	"error":     "error",
	"success":   "completed",
	"failed":    "error",
}

// normalizedToolState maps a raw status alias to the canonical ToolCall
// state, defaulting to "running" per the classification table.
func normalizedToolState(raw string) string {
	if v, ok := toolStateAliases[raw]; ok {
		return v
	}
	return "running"
}
