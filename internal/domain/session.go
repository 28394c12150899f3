// Package domain contains the core types of the Session Agent: the
// SessionState root entity, its messages and parts, and the invariants that
// must hold after every durable write.
package domain

import "sort"

// Status is the session's lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolState is the lifecycle of a ToolCall.
type ToolState string

const (
	ToolStatePending   ToolState = "pending"
	ToolStateRunning   ToolState = "running"
	ToolStateCompleted ToolState = "completed"
	ToolStateError     ToolState = "error"
)

// ToolCall is a single tool invocation embedded in a Tool MessagePart.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    interface{}            `json:"result,omitempty"`
	State     ToolState              `json:"state"`
}

// MessagePart is a tagged union: exactly one of Text or Tool is set.
type MessagePart struct {
	Type Role `json:"-"`

	Text string    `json:"text,omitempty"`
	Tool *ToolCall `json:"tool,omitempty"`
}

// PartType names the concrete variant of a MessagePart.
type PartType string

const (
	PartTypeText PartType = "text"
	PartTypeTool PartType = "tool"
)

// Kind reports which variant this part holds.
func (p MessagePart) Kind() PartType {
	if p.Tool != nil {
		return PartTypeTool
	}
	return PartTypeText
}

// TextPart constructs a Text MessagePart.
func TextPart(text string) MessagePart {
	return MessagePart{Text: text}
}

// ToolPart constructs a Tool MessagePart.
func ToolPart(call ToolCall) MessagePart {
	return MessagePart{Tool: &call}
}

// Message is a single entry in a session's transcript.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Parts     []MessagePart `json:"parts"`
	Timestamp int64         `json:"timestamp"`
}

// SessionState is the root entity of a Session Agent, persisted on every
// meaningful transition. It must only ever be mutated by the owning actor.
type SessionState struct {
	SessionID string `json:"sessionId"`
	Repo      string `json:"repo"`
	UserID    string `json:"userId"`

	SelectedModel string `json:"selectedModel,omitempty"`
	Provider      string `json:"provider,omitempty"`

	SandboxID      string `json:"sandboxId,omitempty"`
	SandboxURL     string `json:"sandboxUrl,omitempty"`
	SnapshotID     string `json:"snapshotId,omitempty"`
	AgentSessionID string `json:"agentSessionId,omitempty"`

	Status       Status `json:"status"`
	IsProcessing bool   `json:"isProcessing"`

	Messages         []Message `json:"messages"`
	StreamingMessage *Message  `json:"streamingMessage,omitempty"`
	Error            string    `json:"error,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// NewSessionState builds a fresh, idle session.
func NewSessionState(sessionID, repo, userID string, nowMs int64) *SessionState {
	return &SessionState{
		SessionID: sessionID,
		Repo:      repo,
		UserID:    userID,
		Status:    StatusIdle,
		Messages:  []Message{},
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}
}

// Clone returns a deep-enough copy safe to hand to a broadcaster goroutine
// without racing with the actor's next mutation.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Messages = make([]Message, len(s.Messages))
	copy(clone.Messages, s.Messages)
	if s.StreamingMessage != nil {
		sm := *s.StreamingMessage
		sm.Parts = append([]MessagePart(nil), s.StreamingMessage.Parts...)
		clone.StreamingMessage = &sm
	}
	return &clone
}

// View returns the client-facing SessionStateView: the StreamingMessage, if
// present, is appended to Messages and not exposed as a separate field.
func (s *SessionState) View() *SessionStateView {
	clone := s.Clone()
	messages := clone.Messages
	if clone.StreamingMessage != nil {
		messages = append(messages, *clone.StreamingMessage)
	}
	return &SessionStateView{
		SessionID:      clone.SessionID,
		Repo:           clone.Repo,
		UserID:         clone.UserID,
		SelectedModel:  clone.SelectedModel,
		Provider:       clone.Provider,
		SandboxID:      clone.SandboxID,
		SandboxURL:     clone.SandboxURL,
		SnapshotID:     clone.SnapshotID,
		AgentSessionID: clone.AgentSessionID,
		Status:         clone.Status,
		IsProcessing:   clone.IsProcessing,
		Messages:       messages,
		Error:          clone.Error,
		CreatedAt:      clone.CreatedAt,
		UpdatedAt:      clone.UpdatedAt,
	}
}

// SessionStateView is the wire representation sent to clients: the raw
// StreamingMessage field is never exposed directly.
type SessionStateView struct {
	SessionID      string    `json:"sessionId"`
	Repo           string    `json:"repo"`
	UserID         string    `json:"userId"`
	SelectedModel  string    `json:"selectedModel,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	SandboxID      string    `json:"sandboxId,omitempty"`
	SandboxURL     string    `json:"sandboxUrl,omitempty"`
	SnapshotID     string    `json:"snapshotId,omitempty"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	Status         Status    `json:"status"`
	IsProcessing   bool      `json:"isProcessing"`
	Messages       []Message `json:"messages"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      int64     `json:"createdAt"`
	UpdatedAt      int64     `json:"updatedAt"`
}

// AppendMessage appends a message, enforcing invariant 4 (unique, ordered
// ids). Callers are expected to only ever pass fresh ids; this guards against
// programmer error re-appending the same id.
func (s *SessionState) AppendMessage(m Message) {
	for _, existing := range s.Messages {
		if existing.ID == m.ID {
			return
		}
	}
	s.Messages = append(s.Messages, m)
}

// Touch advances UpdatedAt, enforcing invariant 6 (monotonic per write).
func (s *SessionState) Touch(nowMs int64) {
	if nowMs > s.UpdatedAt {
		s.UpdatedAt = nowMs
	} else {
		s.UpdatedAt++
	}
}

// CheckInvariants validates the §3 invariants that must hold after every
// durable write. It never mutates s; callers use it in tests and as a
// defensive assertion after transitions.
func (s *SessionState) CheckInvariants() []string {
	var problems []string

	if s.Status == StatusRunning {
		if s.SandboxID == "" || s.SandboxURL == "" || s.AgentSessionID == "" {
			problems = append(problems, "running status requires sandboxId, sandboxUrl and agentSessionId")
		}
	}

	if s.Status == StatusPaused {
		if s.SnapshotID == "" || s.SandboxID != "" || s.SandboxURL != "" {
			problems = append(problems, "paused status requires snapshotId set and sandbox refs cleared")
		}
	}

	if s.IsProcessing && s.Status != StatusRunning {
		problems = append(problems, "isProcessing requires running status")
	}

	seen := make(map[string]struct{}, len(s.Messages))
	for _, m := range s.Messages {
		if _, dup := seen[m.ID]; dup {
			problems = append(problems, "duplicate message id "+m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	return problems
}

// SortedByFirstSeen returns a copy of parts ordered by the supplied
// firstSeenAt lookup, ascending. Used by the normalizer to produce the
// canonical ordering described in §4.3.
func SortedByFirstSeen(parts []MessagePart, firstSeenAt map[string]int64, idOf func(MessagePart) string) []MessagePart {
	out := append([]MessagePart(nil), parts...)
	sort.SliceStable(out, func(i, j int) bool {
		return firstSeenAt[idOf(out[i])] < firstSeenAt[idOf(out[j])]
	})
	return out
}
