package actor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentsession/internal/broadcaster"
	"github.com/ashureev/agentsession/internal/dbclient"
	"github.com/ashureev/agentsession/internal/domain"
	"github.com/ashureev/agentsession/internal/durable"
	"github.com/ashureev/agentsession/internal/sandbox"
)

// memStore is a minimal in-memory durable.Store for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(ctx context.Context, sessionID, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[sessionID+"/"+key]
	return v, ok, nil
}

func (m *memStore) Put(ctx context.Context, sessionID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[sessionID+"/"+key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionID+"/"+key)
	return nil
}

func (m *memStore) Close() error { return nil }

var _ durable.Store = (*memStore)(nil)

// fakeProvider implements sandbox.Provider with canned results.
type fakeProvider struct {
	tunnelURL  string
	createErr  error
	snapshotID string
}

func (f *fakeProvider) CreateSandbox(ctx context.Context, in sandbox.CreateSandboxInput) (sandbox.CreateSandboxResult, error) {
	if f.createErr != nil {
		return sandbox.CreateSandboxResult{}, f.createErr
	}
	return sandbox.CreateSandboxResult{SandboxID: "sbx-1", TunnelURL: f.tunnelURL}, nil
}

func (f *fakeProvider) SnapshotSandbox(ctx context.Context, sandboxID string) (sandbox.PauseResult, error) {
	return sandbox.PauseResult{SnapshotID: f.snapshotID}, nil
}

func (f *fakeProvider) PauseSandbox(ctx context.Context, sandboxID string) (sandbox.PauseResult, error) {
	return sandbox.PauseResult{SnapshotID: f.snapshotID}, nil
}

func (f *fakeProvider) ResumeSandbox(ctx context.Context, snapshotID string) (sandbox.CreateSandboxResult, error) {
	return sandbox.CreateSandboxResult{SandboxID: "sbx-2", TunnelURL: f.tunnelURL}, nil
}

func (f *fakeProvider) TerminateSandbox(ctx context.Context, sandboxID string) error { return nil }

var _ sandbox.Provider = (*fakeProvider)(nil)

// fakeDB implements dbclient.Client as a no-op.
type fakeDB struct{}

func (fakeDB) ValidateToken(ctx context.Context, bearer string) (*dbclient.Identity, error) {
	return nil, nil
}
func (fakeDB) UpsertStatus(ctx context.Context, update dbclient.StatusUpdate) error  { return nil }
func (fakeDB) UpsertMessage(ctx context.Context, msg dbclient.MessageUpsert) error   { return nil }
func (fakeDB) FetchGitCredential(ctx context.Context, bearer string) (string, error) { return "", nil }
func (fakeDB) FetchProviderAPIKey(ctx context.Context, bearer, provider string) (string, error) {
	return "", nil
}

var _ dbclient.Client = (*fakeDB)(nil)

// agentServer stands in for the sandbox's tunnel endpoint: health, session
// creation, and message endpoints used by the actor's happy-path flows.
func agentServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "agent-sess-1"})
	})
	return httptest.NewServer(mux)
}

func newTestActor(t *testing.T, srv *httptest.Server) *Actor {
	t.Helper()
	a, err := New(context.Background(), "sess-1", newMemStore(), &fakeProvider{tunnelURL: srv.URL, snapshotID: "snap-1"}, sandbox.NewAgentServerClient(), fakeDB{}, broadcaster.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func waitForStatus(t *testing.T, a *Actor, want domain.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v := a.GetState(); v != nil && v.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached status %q, got %+v", want, a.GetState())
}

func TestInitializeTransitionsToRunning(t *testing.T) {
	srv := agentServer(t)
	defer srv.Close()
	a := newTestActor(t, srv)

	view, err := a.Initialize(context.Background(), InitializeInput{Repo: "org/repo", UserID: "u1"})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if view.Status != domain.StatusStarting {
		t.Fatalf("expected immediate starting status, got %q", view.Status)
	}

	waitForStatus(t, a, domain.StatusRunning)
	final := a.GetState()
	if final.SandboxURL != srv.URL || final.AgentSessionID != "agent-sess-1" {
		t.Fatalf("unexpected final state: %+v", final)
	}
}

func TestPromptRejectsWhenAlreadyProcessing(t *testing.T) {
	srv := agentServer(t)
	defer srv.Close()
	a := newTestActor(t, srv)

	if _, err := a.Initialize(context.Background(), InitializeInput{Repo: "org/repo", UserID: "u1"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitForStatus(t, a, domain.StatusRunning)

	a.withState(func(s *domain.SessionState) { s.IsProcessing = true })

	_, err := a.Prompt(context.Background(), "hello")
	if kind, ok := domain.KindOf(err); !ok || kind != domain.KindBusy {
		t.Fatalf("expected Busy, got %v", err)
	}
}

func TestPauseRejectsWhenNotRunning(t *testing.T) {
	srv := agentServer(t)
	defer srv.Close()
	a := newTestActor(t, srv)

	_, err := a.Pause(context.Background())
	if kind, ok := domain.KindOf(err); !ok || kind != domain.KindNotReady {
		t.Fatalf("expected NotReady, got %v", err)
	}
}

func TestResumeRejectsWithoutSnapshot(t *testing.T) {
	srv := agentServer(t)
	defer srv.Close()
	a := newTestActor(t, srv)

	_, err := a.Resume(context.Background())
	if kind, ok := domain.KindOf(err); !ok || kind != domain.KindNotReady {
		t.Fatalf("expected NotReady, got %v", err)
	}
}

func TestPauseSucceedsFromRunning(t *testing.T) {
	srv := agentServer(t)
	defer srv.Close()
	a := newTestActor(t, srv)

	if _, err := a.Initialize(context.Background(), InitializeInput{Repo: "org/repo", UserID: "u1"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitForStatus(t, a, domain.StatusRunning)

	view, err := a.Pause(context.Background())
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if view.Status != domain.StatusPaused || view.SnapshotID == "" {
		t.Fatalf("expected paused with snapshot, got %+v", view)
	}
	if view.SandboxID != "" || view.SandboxURL != "" {
		t.Fatalf("expected sandbox refs cleared after pause, got %+v", view)
	}
}
