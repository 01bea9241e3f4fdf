package session

import (
	"context"
	"testing"
	"time"

	"github.com/voxmirror/voxmirror/internal/registry"
	"github.com/voxmirror/voxmirror/internal/speaker"
	recmock "github.com/voxmirror/voxmirror/pkg/provider/recognition/mock"
	synthmock "github.com/voxmirror/voxmirror/pkg/provider/synthesis/mock"
	tlmock "github.com/voxmirror/voxmirror/pkg/provider/translate/mock"
	vpmock "github.com/voxmirror/voxmirror/pkg/provider/voiceprint/mock"
)

func newTestManager(opts ...ManagerOption) *Manager {
	factory := func(cfg Config) (*Orchestrator, error) {
		return New(cfg, Deps{
			Identifier:     speaker.NewIdentifier(&vpmock.Provider{}, registry.NewMemStore()),
			Recognizer:     &recmock.Provider{Text: "hi"},
			Translator:     &tlmock.Provider{},
			Synthesizer:    &synthmock.Provider{},
			DefaultVoiceID: "voice-default",
		}), nil
	}
	return NewManager(factory, opts...)
}

func TestManagerCreateAndGet(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	orch, err := m.Create(ctx, Config{SessionID: "s1", TargetLanguage: "de"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.StopAll(ctx)

	if orch.State() != StateCapturing {
		t.Errorf("created session state = %v, want capturing", orch.State())
	}
	got, ok := m.Get("s1")
	if !ok || got != orch {
		t.Error("Get did not return the created session")
	}
	if _, ok := m.Get("nope"); ok {
		t.Error("Get returned a session for an unknown ID")
	}
}

func TestManagerRejectsDuplicateID(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.Create(ctx, Config{SessionID: "s1", TargetLanguage: "de"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.StopAll(ctx)

	if _, err := m.Create(ctx, Config{SessionID: "s1", TargetLanguage: "fr"}); err == nil {
		t.Error("expected duplicate session ID to be rejected")
	}
	if m.Len() != 1 {
		t.Errorf("sessions = %d, want 1", m.Len())
	}
}

func TestManagerStopRemovesSession(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	orch, err := m.Create(ctx, Config{SessionID: "s1", TargetLanguage: "de"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Stop(ctx, "s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if orch.State() != StateIdle {
		t.Errorf("stopped session state = %v, want idle", orch.State())
	}
	if _, ok := m.Get("s1"); ok {
		t.Error("stopped session still registered")
	}
	if err := m.Stop(ctx, "s1"); err == nil {
		t.Error("stopping a missing session should fail")
	}
}

func TestManagerSessionsRunIndependently(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, Config{SessionID: "a", TargetLanguage: "de"})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := m.Create(ctx, Config{SessionID: "b", TargetLanguage: "fr"})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	// Stopping one session must not touch the other.
	if err := m.Stop(ctx, "a"); err != nil {
		t.Fatalf("Stop a: %v", err)
	}
	if a.State() != StateIdle {
		t.Errorf("a state = %v, want idle", a.State())
	}
	if b.State() != StateCapturing {
		t.Errorf("b state = %v, want capturing", b.State())
	}

	if err := b.Submit(loudChunk(1)); err != nil {
		t.Fatalf("Submit to surviving session: %v", err)
	}
	collectOutputs(t, b, 1)
	m.StopAll(ctx)
}

func TestManagerReapsIdleSessions(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	idle, err := m.Create(ctx, Config{SessionID: "idle", TargetLanguage: "de", IdleTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Create idle: %v", err)
	}
	// No idle timeout configured: never reaped, no matter how quiet.
	forever, err := m.Create(ctx, Config{SessionID: "forever", TargetLanguage: "de"})
	if err != nil {
		t.Fatalf("Create forever: %v", err)
	}
	defer m.StopAll(ctx)

	time.Sleep(50 * time.Millisecond)
	if n := m.ReapIdle(ctx); n != 1 {
		t.Fatalf("ReapIdle = %d, want 1", n)
	}
	if _, ok := m.Get("idle"); ok {
		t.Error("idle session still registered after reap")
	}
	if idle.State() != StateIdle {
		t.Errorf("idle session state = %v, want idle", idle.State())
	}
	if forever.State() != StateCapturing {
		t.Errorf("session without timeout was reaped, state = %v", forever.State())
	}
}

func TestManagerSubmitDefersReaping(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	orch, err := m.Create(ctx, Config{SessionID: "s1", TargetLanguage: "de", IdleTimeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.StopAll(ctx)

	time.Sleep(200 * time.Millisecond)
	if err := orch.Submit(loudChunk(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	collectOutputs(t, orch, 1)

	// Activity 200ms into the timeout resets the clock; at 400ms since
	// Create the session is only 200ms idle.
	time.Sleep(200 * time.Millisecond)
	if n := m.ReapIdle(ctx); n != 0 {
		t.Fatalf("ReapIdle after recent activity = %d, want 0", n)
	}

	time.Sleep(200 * time.Millisecond)
	if n := m.ReapIdle(ctx); n != 1 {
		t.Fatalf("ReapIdle after timeout = %d, want 1", n)
	}
}

func TestManagerIdleSweepRuns(t *testing.T) {
	m := newTestManager(WithIdleSweep(10 * time.Millisecond))
	ctx := context.Background()

	if _, err := m.Create(ctx, Config{SessionID: "s1", TargetLanguage: "de", IdleTimeout: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.StopAll(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never destroyed the idle session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(ctx, Config{SessionID: id, TargetLanguage: "de"}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	defer m.StopAll(ctx)

	stats := m.List()
	if len(stats) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(stats))
	}
	seen := map[string]bool{}
	for _, s := range stats {
		seen[s.SessionID] = true
		if s.State != "capturing" {
			t.Errorf("session %s state = %q, want capturing", s.SessionID, s.State)
		}
	}
	if !seen["a"] || !seen["b"] || !seen["c"] {
		t.Errorf("missing sessions in listing: %v", seen)
	}
}
