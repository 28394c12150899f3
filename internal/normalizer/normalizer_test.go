package normalizer

import (
	"encoding/json"
	"testing"

	"github.com/ashureev/agentsession/internal/domain"
)

func feedRaw(t *testing.T, n *Normalizer, jsonProps string) {
	t.Helper()
	n.Feed(json.RawMessage(jsonProps))
}

func TestTextPartsCoalesceUntilToolInterrupts(t *testing.T) {
	n := New("")

	// No id/index on the text events: they rely purely on the
	// reuse-current-text-part fallback, so the tool part in between must
	// force "Done." into a brand new part instead of overwriting "Reading…".
	feedRaw(t, n, `{"part":{"type":"text","text":"Reading…"}}`)
	feedRaw(t, n, `{"part":{"type":"tool-call","tool":"readFile","id":"t1","state":{"input":{"path":"/a"},"status":"running"}}}`)
	feedRaw(t, n, `{"part":{"type":"tool-call","id":"t1","state":{"output":"ok","status":"completed"}}}`)
	feedRaw(t, n, `{"part":{"type":"text","text":"Done."}}`)

	parts := n.Parts()
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d: %+v", len(parts), parts)
	}
	if parts[0].Kind() != domain.PartTypeText || parts[0].Text != "Reading…" {
		t.Fatalf("expected first part to be text %q, got %+v", "Reading…", parts[0])
	}
	if parts[1].Kind() != domain.PartTypeTool || parts[1].Tool.Name != "readFile" {
		t.Fatalf("expected second part to be the readFile tool call, got %+v", parts[1])
	}
	if parts[1].Tool.State != domain.ToolStateCompleted {
		t.Fatalf("expected tool call state completed, got %v", parts[1].Tool.State)
	}
	if parts[2].Kind() != domain.PartTypeText || parts[2].Text != "Done." {
		t.Fatalf("expected third part to be a fresh text part %q, got %+v", "Done.", parts[2])
	}
}

func TestEchoFilterDropsUserPromptText(t *testing.T) {
	n := New("Say hi")

	feedRaw(t, n, `{"part":{"type":"text","id":"m1","text":"Say hi"}}`)
	feedRaw(t, n, `{"part":{"type":"text","id":"m1","text":"Hi!"}}`)

	parts := n.Parts()
	if len(parts) != 1 || parts[0].Text != "Hi!" {
		t.Fatalf("expected only the non-echo text, got %+v", parts)
	}
}

func TestCumulativeTextOverwritesSamePart(t *testing.T) {
	n := New("")

	feedRaw(t, n, `{"part":{"type":"text","index":0,"text":"Hi"}}`)
	feedRaw(t, n, `{"part":{"type":"text","index":0,"text":"Hi!"}}`)

	parts := n.Parts()
	if len(parts) != 1 || parts[0].Text != "Hi!" {
		t.Fatalf("expected a single coalesced text part, got %+v", parts)
	}
}

func TestUnknownToolFieldsFallBackToAliases(t *testing.T) {
	n := New("")

	feedRaw(t, n, `{"part":{"type":"tool_use","name":"search","callID":"c1","arguments":{"q":"go"}}}`)

	parts := n.Parts()
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	call := parts[0].Tool
	if call == nil || call.Name != "search" || call.ID != "c1" {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	if call.Arguments["q"] != "go" {
		t.Fatalf("expected argument alias fallback, got %+v", call.Arguments)
	}
	if call.State != domain.ToolStateRunning {
		t.Fatalf("expected default state running, got %v", call.State)
	}
}

func TestOrderingIsStableAcrossUpdates(t *testing.T) {
	n := New("")

	feedRaw(t, n, `{"part":{"type":"text","id":"first","text":"a"}}`)
	feedRaw(t, n, `{"part":{"type":"tool-call","id":"second","tool":"x"}}`)
	feedRaw(t, n, `{"part":{"type":"text","id":"first","text":"ab"}}`)

	parts := n.Parts()
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].Text != "ab" {
		t.Fatalf("expected first-seen text part to stay first, got %+v", parts)
	}
	if parts[1].Kind() != domain.PartTypeTool {
		t.Fatalf("expected second part to remain the tool call, got %+v", parts[1])
	}
}

func TestUnparsableEventIsIgnored(t *testing.T) {
	n := New("")
	n.Feed(json.RawMessage(`not json`))
	if len(n.Parts()) != 0 {
		t.Fatalf("expected no parts from an unparsable event")
	}
}
