package normalizer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentsession/internal/domain"
)

// trackedPart is a MessagePart augmented with the order it was first seen,
// used to produce a deterministic, non-reordering output sequence.
type trackedPart struct {
	part        domain.MessagePart
	firstSeenAt int64
}

// Normalizer accumulates the parts of one in-flight assistant message. A
// fresh Normalizer is created per prompt (§4.5.4 step 4).
type Normalizer struct {
	mu sync.Mutex

	echoText string

	order        map[string]int64
	seq          int64
	parts        map[string]domain.MessagePart
	currentText  string // id of the text part later text updates coalesce into
	freshTextSeq int64  // disambiguates fallback ids minted within the same millisecond
}

// New creates a Normalizer that filters out any text part equal to
// echoText (the user's own prompt).
func New(echoText string) *Normalizer {
	return &Normalizer{
		echoText: echoText,
		order:    make(map[string]int64),
		parts:    make(map[string]domain.MessagePart),
	}
}

// Feed classifies one message.part.updated event's raw properties and
// folds it into the tracked part set. It is a no-op for echoed text.
func (n *Normalizer) Feed(properties json.RawMessage) {
	var env rawPartEnvelope
	if err := json.Unmarshal(properties, &env); err != nil {
		return
	}
	n.classify(env)
}

func (n *Normalizer) classify(env rawPartEnvelope) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p := env.Part

	switch {
	case p.isTextPart():
		if p.Text == n.echoText {
			return
		}
		id := n.textPartID(p, env.Index)
		n.parts[id] = domain.MessagePart{Text: p.Text}
		n.trackID(id)
		n.currentText = id

	case p.isToolPart():
		id := p.toolIDAlias(func() string { return uuid.NewString() })
		call := &domain.ToolCall{
			ID:        id,
			Name:      p.toolNameAlias(),
			Arguments: decodeArguments(p.argumentsAlias()),
			Result:    decodeResult(p.resultAlias()),
			State:     domain.ToolState(normalizedToolState(p.rawStatus())),
		}
		// A later update for the same call may carry only what changed; keep
		// the earlier name, arguments and result where it omits them.
		if prev, ok := n.parts[id]; ok && prev.Tool != nil {
			if p.Tool == "" && p.Name == "" && p.ToolName == "" {
				call.Name = prev.Tool.Name
			}
			if len(call.Arguments) == 0 {
				call.Arguments = prev.Tool.Arguments
			}
			if call.Result == nil {
				call.Result = prev.Tool.Result
			}
		}
		n.parts[id] = domain.MessagePart{Tool: call}
		n.trackID(id)
		n.currentText = "" // a tool part interrupts text coalescing
	}
}

// textPartID chooses the id a text update attaches to, in the precedence
// order from §4.3: explicit id, index-derived id, the currently tracked
// text part, or a fresh timestamp-derived id.
func (n *Normalizer) textPartID(p rawPart, index *int) string {
	switch {
	case p.ID != "":
		return p.ID
	case index != nil:
		return fmt.Sprintf("text-%d", *index)
	case n.currentText != "":
		return n.currentText
	default:
		n.freshTextSeq++
		return fmt.Sprintf("text-%d-%d", time.Now().UnixMilli(), n.freshTextSeq)
	}
}

func (n *Normalizer) trackID(id string) {
	if _, seen := n.order[id]; seen {
		return
	}
	n.seq++
	n.order[id] = n.seq
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func decodeResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

// Parts returns the canonical ordered parts list: sorted by firstSeenAt,
// filtered to drop empty text and tool parts missing a ToolCall.
func (n *Normalizer) Parts() []domain.MessagePart {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]string, 0, len(n.parts))
	for id := range n.parts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return n.order[ids[i]] < n.order[ids[j]] })

	out := make([]domain.MessagePart, 0, len(ids))
	for _, id := range ids {
		part := n.parts[id]
		switch {
		case part.Kind() == domain.PartTypeText && part.Text == "":
			continue
		case part.Kind() == domain.PartTypeTool && part.Tool == nil:
			continue
		}
		out = append(out, part)
	}
	return out
}

// ClassifyParts normalizes a flat, already-ordered list of raw part objects
// (as returned by fetchMessages) into MessageParts, reusing the same
// classifier and echo filter message.part.updated events go through.
func ClassifyParts(rawParts []json.RawMessage, echoText string) []domain.MessagePart {
	n := New(echoText)
	for i, raw := range rawParts {
		var p rawPart
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		idx := i
		n.classify(rawPartEnvelope{Part: p, Index: &idx})
	}
	return n.Parts()
}

// CountToolParts reports how many of parts are tool parts.
func CountToolParts(parts []domain.MessagePart) int {
	count := 0
	for _, p := range parts {
		if p.Kind() == domain.PartTypeTool {
			count++
		}
	}
	return count
}

// ToolCount returns the number of tracked tool parts, used by the prompt
// pipeline's authoritative-vs-streamed reconciliation (§4.5.4 step 9).
func (n *Normalizer) ToolCount() int {
	count := 0
	for _, p := range n.Parts() {
		if p.Kind() == domain.PartTypeTool {
			count++
		}
	}
	return count
}

// TextLength returns the summed length of all text parts, used by the same
// reconciliation step.
func (n *Normalizer) TextLength() int {
	total := 0
	for _, p := range n.Parts() {
		if p.Kind() == domain.PartTypeText {
			total += len(p.Text)
		}
	}
	return total
}
