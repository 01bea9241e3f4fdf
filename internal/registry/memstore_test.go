package registry

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestBindIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	if err := m.Bind(ctx, "spk-1", "voice-a"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := m.Bind(ctx, "spk-1", "voice-a"); err != nil {
		t.Fatalf("repeat Bind: %v", err)
	}

	voiceID, ok, err := m.Lookup(ctx, "spk-1")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if voiceID != "voice-a" {
		t.Errorf("got %q, want voice-a", voiceID)
	}

	events, err := m.BindingEvents(ctx, "spk-1")
	if err != nil {
		t.Fatalf("BindingEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("idempotent rebind recorded %d events, want 0", len(events))
	}
}

func TestBindOverrideRecordsOneEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	if err := m.Bind(ctx, "spk-1", "voice-a"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := m.Bind(ctx, "spk-1", "voice-b"); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	voiceID, ok, _ := m.Lookup(ctx, "spk-1")
	if !ok || voiceID != "voice-b" {
		t.Errorf("last writer should win: got %q ok=%v", voiceID, ok)
	}

	events, _ := m.BindingEvents(ctx, "spk-1")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.OldVoiceID != "voice-a" || e.NewVoiceID != "voice-b" {
		t.Errorf("event: got %+v", e)
	}
}

func TestLookupUnbound(t *testing.T) {
	m := NewMemStore()
	_, ok, err := m.Lookup(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Error("unbound speaker should report ok=false")
	}
}

func TestSearchSpeakersOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	profiles := []SpeakerProfile{
		{ID: "a", Embedding: []float32{1, 0, 0}},
		{ID: "b", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "c", Embedding: []float32{0, 1, 0}},
	}
	for _, p := range profiles {
		if err := m.PutSpeaker(ctx, p); err != nil {
			t.Fatalf("PutSpeaker %s: %v", p.ID, err)
		}
	}

	matches, err := m.SearchSpeakers(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchSpeakers: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Profile.ID != "a" {
		t.Errorf("best match: got %s, want a", matches[0].Profile.ID)
	}
	if matches[0].Similarity < 0.999 {
		t.Errorf("identical vector similarity: got %f", matches[0].Similarity)
	}
	if matches[1].Profile.ID != "b" {
		t.Errorf("second match: got %s, want b", matches[1].Profile.ID)
	}
}

func TestGetSpeakerNotFound(t *testing.T) {
	m := NewMemStore()
	_, err := m.GetSpeaker(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCreateActor(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	a, err := m.CreateActor(ctx, "Jane Doe", []string{"spk-1", "spk-2"})
	if err != nil {
		t.Fatalf("CreateActor: %v", err)
	}
	if a.ID == "" {
		t.Error("actor should get an ID")
	}

	got, err := m.GetActor(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetActor: %v", err)
	}
	if got.Name != "Jane Doe" || len(got.SpeakerIDs) != 2 {
		t.Errorf("got %+v", got)
	}

	if _, err := m.CreateActor(ctx, "", nil); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		got := CosineSimilarity(tc.a, tc.b)
		if math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("%s: got %f, want %f", tc.name, got, tc.want)
		}
	}
}
