package domain

import "testing"

func TestCheckInvariantsRunningRequiresSandbox(t *testing.T) {
	s := NewSessionState("s1", "acme/hello", "u1", 1000)
	s.Status = StatusRunning

	problems := s.CheckInvariants()
	if len(problems) == 0 {
		t.Fatalf("expected invariant violation for running without sandbox refs")
	}

	s.SandboxID = "sb1"
	s.SandboxURL = "http://t1"
	s.AgentSessionID = "a1"
	if problems := s.CheckInvariants(); len(problems) != 0 {
		t.Fatalf("unexpected invariant violations: %v", problems)
	}
}

func TestCheckInvariantsPausedRequiresSnapshotAndNoSandbox(t *testing.T) {
	s := NewSessionState("s1", "acme/hello", "u1", 1000)
	s.Status = StatusPaused
	s.SandboxID = "sb1"

	if problems := s.CheckInvariants(); len(problems) == 0 {
		t.Fatalf("expected invariant violation for paused with sandboxId set")
	}

	s.SandboxID = ""
	s.SnapshotID = "snap1"
	if problems := s.CheckInvariants(); len(problems) != 0 {
		t.Fatalf("unexpected invariant violations: %v", problems)
	}
}

func TestAppendMessageDedupesByID(t *testing.T) {
	s := NewSessionState("s1", "acme/hello", "u1", 1000)
	s.AppendMessage(Message{ID: "m1", Role: RoleUser, Parts: []MessagePart{TextPart("hi")}})
	s.AppendMessage(Message{ID: "m1", Role: RoleUser, Parts: []MessagePart{TextPart("hi again")}})

	if len(s.Messages) != 1 {
		t.Fatalf("expected dedup by id, got %d messages", len(s.Messages))
	}
}

func TestViewAppendsStreamingMessage(t *testing.T) {
	s := NewSessionState("s1", "acme/hello", "u1", 1000)
	s.AppendMessage(Message{ID: "m1", Role: RoleUser, Parts: []MessagePart{TextPart("hi")}})
	s.StreamingMessage = &Message{ID: "m2", Role: RoleAssistant, Parts: []MessagePart{TextPart("partial")}}

	view := s.View()
	if len(view.Messages) != 2 {
		t.Fatalf("expected streaming message appended to view, got %d messages", len(view.Messages))
	}
	if view.Messages[1].ID != "m2" {
		t.Fatalf("expected streaming message id m2, got %s", view.Messages[1].ID)
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	s := NewSessionState("s1", "acme/hello", "u1", 1000)
	s.Touch(1000)
	if s.UpdatedAt <= 1000 {
		t.Fatalf("expected UpdatedAt to advance past equal timestamp, got %d", s.UpdatedAt)
	}
	prev := s.UpdatedAt
	s.Touch(500)
	if s.UpdatedAt <= prev {
		t.Fatalf("expected UpdatedAt to remain monotonic for an earlier timestamp, got %d after %d", s.UpdatedAt, prev)
	}
}

func TestHandleHTTPErrorMapsKindToStatus(t *testing.T) {
	status, body := HandleHTTPError(ErrBusy)
	if status != 400 {
		t.Fatalf("expected 400 for Busy, got %d", status)
	}
	errObj, ok := body["error"].(map[string]interface{})
	if !ok || errObj["code"] != "Busy" {
		t.Fatalf("expected error code Busy in body, got %v", body)
	}
}
