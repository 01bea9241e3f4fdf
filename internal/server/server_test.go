package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxmirror/voxmirror/internal/registry"
	"github.com/voxmirror/voxmirror/internal/server"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/internal/speaker"
	recmock "github.com/voxmirror/voxmirror/pkg/provider/recognition/mock"
	synthmock "github.com/voxmirror/voxmirror/pkg/provider/synthesis/mock"
	tlmock "github.com/voxmirror/voxmirror/pkg/provider/translate/mock"
	vpmock "github.com/voxmirror/voxmirror/pkg/provider/voiceprint/mock"
)

// testServer bundles a running HTTP server with the backing registry store,
// session manager, and provider mocks so tests can inspect and script the
// state behind the API.
type testServer struct {
	http     *httptest.Server
	store    registry.Store
	sessions *session.Manager
	rec      *recmock.Provider
	synth    *synthmock.Provider
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerCfg(t, server.Config{})
}

func newTestServerCfg(t *testing.T, cfg server.Config) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := registry.NewCache(registry.NewMemStore())
	rec := &recmock.Provider{Text: "hello there"}
	synth := &synthmock.Provider{}

	mgr := session.NewManager(func(cfg session.Config) (*session.Orchestrator, error) {
		return session.New(cfg, session.Deps{
			Identifier:     speaker.NewIdentifier(&vpmock.Provider{}, store, speaker.WithLogger(log)),
			Recognizer:     rec,
			Translator:     &tlmock.Provider{},
			Synthesizer:    synth,
			DefaultVoiceID: "stock-1",
			Logger:         log,
		}), nil
	}, session.WithManagerLogger(log))

	srv := server.New(cfg, server.Deps{
		Sessions:    mgr,
		Store:       store,
		Synthesizer: synth,
		Logger:      log,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		mgr.StopAll(context.Background())
	})
	return &testServer{http: ts, store: store, sessions: mgr, rec: rec, synth: synth}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s = %d, want %d (body: %s)", url, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func postJSON(t *testing.T, url string, body any, wantStatus int, out any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s = %d, want %d (body: %s)", url, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var res map[string]any
	getJSON(t, ts.http.URL+"/healthz", http.StatusOK, &res)
	if res["status"] != "ok" {
		t.Errorf("healthz status = %v", res["status"])
	}

	getJSON(t, ts.http.URL+"/readyz", http.StatusOK, &res)
	if res["status"] != "ok" {
		t.Errorf("readyz status = %v", res["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestVoiceEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	err := ts.store.PutVoice(ctx, registry.VoiceClone{
		ID:            "voice_a",
		EngineVoiceID: "eng-1",
		Name:          "Markus",
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("seed voice: %v", err)
	}

	var voices []map[string]any
	getJSON(t, ts.http.URL+"/v1/voices", http.StatusOK, &voices)
	if len(voices) != 1 || voices[0]["id"] != "voice_a" {
		t.Errorf("voices = %v", voices)
	}

	var v map[string]any
	getJSON(t, ts.http.URL+"/v1/voices/voice_a", http.StatusOK, &v)
	if v["engine_voice_id"] != "eng-1" || v["name"] != "Markus" {
		t.Errorf("voice = %v", v)
	}

	getJSON(t, ts.http.URL+"/v1/voices/missing", http.StatusNotFound, nil)
}

func TestActorEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var created map[string]any
	postJSON(t, ts.http.URL+"/v1/actors",
		map[string]any{"name": "Jane Doe", "speaker_ids": []string{"speaker_1"}},
		http.StatusCreated, &created)
	id, _ := created["id"].(string)
	if id == "" || created["name"] != "Jane Doe" {
		t.Fatalf("created actor = %v", created)
	}

	var got map[string]any
	getJSON(t, ts.http.URL+"/v1/actors/"+id, http.StatusOK, &got)
	if got["name"] != "Jane Doe" {
		t.Errorf("actor = %v", got)
	}

	postJSON(t, ts.http.URL+"/v1/actors", map[string]any{}, http.StatusBadRequest, nil)
	getJSON(t, ts.http.URL+"/v1/actors/missing", http.StatusNotFound, nil)
}

func TestBindingEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	for _, id := range []string{"voice_a", "voice_b"} {
		if err := ts.store.PutVoice(ctx, registry.VoiceClone{ID: id, Name: id}); err != nil {
			t.Fatalf("seed voice: %v", err)
		}
	}

	postJSON(t, ts.http.URL+"/v1/bindings",
		map[string]any{"speaker_id": "speaker_1", "voice_id": "voice_a"},
		http.StatusOK, nil)

	voiceID, ok, err := ts.store.Lookup(ctx, "speaker_1")
	if err != nil || !ok || voiceID != "voice_a" {
		t.Fatalf("Lookup = %q, %v, %v", voiceID, ok, err)
	}

	// The first binding implicitly mints an actor owning the speaker and
	// stamps the voice with it.
	actors, err := ts.store.ListActors(ctx)
	if err != nil || len(actors) != 1 {
		t.Fatalf("ListActors = %v, %v; want one implicit actor", actors, err)
	}
	if len(actors[0].SpeakerIDs) != 1 || actors[0].SpeakerIDs[0] != "speaker_1" {
		t.Errorf("implicit actor speakers = %v", actors[0].SpeakerIDs)
	}
	va, err := ts.store.GetVoice(ctx, "voice_a")
	if err != nil || va.OwnerActorID != actors[0].ID {
		t.Errorf("voice owner = %q, %v; want %q", va.OwnerActorID, err, actors[0].ID)
	}

	// Rebinding is the explicit override path and must leave an audit event.
	var rebind map[string]any
	postJSON(t, ts.http.URL+"/v1/bindings",
		map[string]any{"speaker_id": "speaker_1", "voice_id": "voice_b"},
		http.StatusOK, &rebind)
	if rebind["old_voice_id"] != "voice_a" || rebind["new_voice_id"] != "voice_b" {
		t.Errorf("rebind response = %v", rebind)
	}

	var events []map[string]any
	getJSON(t, ts.http.URL+"/v1/speakers/speaker_1/events", http.StatusOK, &events)
	if len(events) != 1 || events[0]["new_voice_id"] != "voice_b" {
		t.Errorf("events = %v", events)
	}

	// Rebinding reuses the existing actor rather than minting another.
	actors, err = ts.store.ListActors(ctx)
	if err != nil || len(actors) != 1 {
		t.Errorf("ListActors after rebind = %v, %v; want one actor", actors, err)
	}

	// Unknown voice must not bind.
	postJSON(t, ts.http.URL+"/v1/bindings",
		map[string]any{"speaker_id": "speaker_1", "voice_id": "missing"},
		http.StatusNotFound, nil)
}

func TestSpeakerEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	err := ts.store.PutSpeaker(ctx, registry.SpeakerProfile{
		ID:         "speaker_1",
		Embedding:  []float32{1, 0, 0, 0},
		Confidence: 0.9,
		Sessions:   2,
	})
	if err != nil {
		t.Fatalf("seed speaker: %v", err)
	}

	var speakers []map[string]any
	getJSON(t, ts.http.URL+"/v1/speakers", http.StatusOK, &speakers)
	if len(speakers) != 1 {
		t.Fatalf("speakers = %v", speakers)
	}
	if speakers[0]["dimensions"] != float64(4) {
		t.Errorf("dimensions = %v", speakers[0]["dimensions"])
	}
	if _, leaked := speakers[0]["embedding"]; leaked {
		t.Error("embedding must not be exposed")
	}

	var p map[string]any
	getJSON(t, ts.http.URL+"/v1/speakers/speaker_1", http.StatusOK, &p)
	if p["confidence"] != 0.9 {
		t.Errorf("speaker = %v", p)
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	var empty []map[string]any
	getJSON(t, ts.http.URL+"/v1/sessions", http.StatusOK, &empty)
	if len(empty) != 0 {
		t.Fatalf("expected no sessions, got %v", empty)
	}

	if _, err := ts.sessions.Create(ctx, session.Config{
		SessionID:      "sess_test",
		TargetLanguage: "de",
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	var list []map[string]any
	getJSON(t, ts.http.URL+"/v1/sessions", http.StatusOK, &list)
	if len(list) != 1 || list[0]["session_id"] != "sess_test" {
		t.Errorf("sessions = %v", list)
	}

	var info map[string]any
	getJSON(t, ts.http.URL+"/v1/sessions/sess_test", http.StatusOK, &info)
	if info["state"] != "capturing" {
		t.Errorf("session info = %v", info)
	}

	getJSON(t, ts.http.URL+"/v1/sessions/missing", http.StatusNotFound, nil)
}
