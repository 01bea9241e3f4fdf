package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
	synthmock "github.com/voxmirror/voxmirror/pkg/provider/synthesis/mock"
)

func TestSynthesisFallbackFailsOver(t *testing.T) {
	primary := &synthmock.Provider{
		SynthesizeFunc: func(_ context.Context, _ synthesis.Request) (*synthesis.Result, error) {
			return nil, synthesis.NewTransientError("synthesize", errors.New("quota exceeded"))
		},
	}
	backup := &synthmock.Provider{
		SynthesizeFunc: func(_ context.Context, _ synthesis.Request) (*synthesis.Result, error) {
			return &synthesis.Result{PCM: []byte{9, 9}, SampleRate: 16000}, nil
		},
	}

	f := NewSynthesisFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	res, err := f.Synthesize(context.Background(), synthesis.Request{Text: "hi", VoiceID: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.PCM) != 2 {
		t.Errorf("got %d bytes, want backup's 2", len(res.PCM))
	}
}

func TestSynthesisFallbackCloneStaysOnPrimary(t *testing.T) {
	primaryCloned := false
	primary := &synthmock.Provider{
		CloneFunc: func(_ context.Context, name string, _ [][]byte) (*synthesis.Voice, error) {
			primaryCloned = true
			return &synthesis.Voice{ID: "v-new", Name: name}, nil
		},
	}
	backup := &synthmock.Provider{}

	f := NewSynthesisFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	v, err := f.CloneVoice(context.Background(), "Speaker", [][]byte{{1}})
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if !primaryCloned || v.ID != "v-new" {
		t.Errorf("clone must run on the primary: cloned=%v voice=%+v", primaryCloned, v)
	}
}
