package speaker

import (
	"context"
	"errors"
	"testing"

	"github.com/voxmirror/voxmirror/internal/registry"
	vpmock "github.com/voxmirror/voxmirror/pkg/provider/voiceprint/mock"
)

func scriptedProvider(vectors ...[]float32) *vpmock.Provider {
	i := 0
	return &vpmock.Provider{
		Dims: len(vectors[0]),
		EmbedFunc: func(_ context.Context, _ []byte, _ int) ([]float32, error) {
			v := vectors[i%len(vectors)]
			i++
			return v, nil
		},
	}
}

func TestIdentifyMintsThenReuses(t *testing.T) {
	ctx := context.Background()
	vp := scriptedProvider(
		[]float32{1, 0, 0, 0},
		[]float32{0.98, 0.02, 0, 0}, // same voice, slight drift
	)
	id := NewIdentifier(vp, registry.NewMemStore())

	first := id.Identify(ctx, []byte{1, 2}, 16000)
	if !first.New {
		t.Fatal("first chunk should mint a new profile")
	}
	if first.SpeakerID == "" || first.SpeakerID == DefaultSpeakerID {
		t.Fatalf("minted ID: got %q", first.SpeakerID)
	}
	if first.Confidence != 1.0 {
		t.Errorf("new profile confidence: got %f, want 1.0", first.Confidence)
	}

	second := id.Identify(ctx, []byte{3, 4}, 16000)
	if second.New {
		t.Error("second chunk of the same voice should not mint again")
	}
	if second.SpeakerID != first.SpeakerID {
		t.Errorf("profile not reused: %q vs %q", second.SpeakerID, first.SpeakerID)
	}
	if second.Confidence < 0.8 {
		t.Errorf("match confidence below threshold: %f", second.Confidence)
	}
}

func TestIdentifyDistinguishesSpeakers(t *testing.T) {
	ctx := context.Background()
	vp := scriptedProvider(
		[]float32{1, 0, 0, 0},
		[]float32{0, 1, 0, 0}, // orthogonal = different voice
	)
	id := NewIdentifier(vp, registry.NewMemStore())

	a := id.Identify(ctx, []byte{1}, 16000)
	b := id.Identify(ctx, []byte{2}, 16000)
	if a.SpeakerID == b.SpeakerID {
		t.Error("dissimilar embeddings should mint distinct profiles")
	}
	if !b.New {
		t.Error("second speaker should be new")
	}
	if got := len(id.ActiveSpeakers()); got != 2 {
		t.Errorf("active speakers: got %d, want 2", got)
	}
}

func TestIdentifyEmbeddingFailureFallsBack(t *testing.T) {
	vp := &vpmock.Provider{
		EmbedFunc: func(_ context.Context, _ []byte, _ int) ([]float32, error) {
			return nil, errors.New("sidecar down")
		},
	}
	id := NewIdentifier(vp, registry.NewMemStore())

	got := id.Identify(context.Background(), []byte{1}, 16000)
	if !got.Unidentified {
		t.Error("embedding failure should report Unidentified")
	}
	if got.SpeakerID != DefaultSpeakerID {
		t.Errorf("got %q, want %q", got.SpeakerID, DefaultSpeakerID)
	}
	if got.Confidence != 0 {
		t.Errorf("fallback confidence: got %f, want 0", got.Confidence)
	}
}

func TestIdentifySmoothingIsNotDestructive(t *testing.T) {
	ctx := context.Background()
	vp := scriptedProvider(
		[]float32{1, 0, 0, 0},
		[]float32{0.9, 0.1, 0, 0},
	)
	store := registry.NewMemStore()
	id := NewIdentifier(vp, store)

	first := id.Identify(ctx, []byte{1}, 16000)
	id.Identify(ctx, []byte{2}, 16000)

	p, err := store.GetSpeaker(ctx, first.SpeakerID)
	if err != nil {
		t.Fatalf("GetSpeaker: %v", err)
	}
	// With alpha 0.1 the stored vector moves only 10% toward the new
	// observation: 0.9*1.0 + 0.1*0.9 = 0.99.
	if p.Embedding[0] < 0.985 || p.Embedding[0] > 0.995 {
		t.Errorf("smoothed first component: got %f, want ~0.99", p.Embedding[0])
	}
	if p.Embedding[1] < 0.005 || p.Embedding[1] > 0.015 {
		t.Errorf("smoothed second component: got %f, want ~0.01", p.Embedding[1])
	}
}

func TestIdentifyCrossSessionMatch(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemStore()

	// A profile from an earlier session is already in the registry.
	if err := store.PutSpeaker(ctx, registry.SpeakerProfile{
		ID:         "speaker_returning",
		Embedding:  []float32{1, 0, 0, 0},
		Confidence: 0.9,
		Sessions:   3,
	}); err != nil {
		t.Fatalf("PutSpeaker: %v", err)
	}

	vp := scriptedProvider([]float32{0.99, 0.01, 0, 0})
	id := NewIdentifier(vp, store)

	got := id.Identify(ctx, []byte{1}, 16000)
	if got.New {
		t.Error("known registry voice should not mint a new profile")
	}
	if got.SpeakerID != "speaker_returning" {
		t.Errorf("got %q, want speaker_returning", got.SpeakerID)
	}
}

func TestIdentifyCrossSessionThresholdStricter(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemStore()

	// Similarity to this profile will be ~0.82: above the in-session 0.8
	// threshold but below the cross-session 0.85.
	if err := store.PutSpeaker(ctx, registry.SpeakerProfile{
		ID:        "speaker_other",
		Embedding: []float32{0.82, float32(0.5724), 0, 0},
	}); err != nil {
		t.Fatalf("PutSpeaker: %v", err)
	}

	vp := scriptedProvider([]float32{1, 0, 0, 0})
	id := NewIdentifier(vp, store)

	got := id.Identify(ctx, []byte{1}, 16000)
	if !got.New {
		t.Error("similarity under the cross-session threshold should mint a new profile")
	}
	if got.SpeakerID == "speaker_other" {
		t.Error("must not adopt a registry profile below the stricter threshold")
	}
}
