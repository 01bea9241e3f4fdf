package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxmirror/voxmirror/pkg/provider/recognition"
	recmock "github.com/voxmirror/voxmirror/pkg/provider/recognition/mock"
)

func TestRecognitionFallbackUsesPrimary(t *testing.T) {
	primary := &recmock.Provider{Text: "primary result"}
	backup := &recmock.Provider{Text: "backup result"}

	f := NewRecognitionFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	res, err := f.Recognize(context.Background(), recognition.Request{PCM: []byte{1}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Text() != "primary result" {
		t.Errorf("got %q, want primary result", res.Text())
	}
	if backup.Calls() != 0 {
		t.Errorf("backup should be untouched, saw %d calls", backup.Calls())
	}
}

func TestRecognitionFallbackFailsOver(t *testing.T) {
	primary := &recmock.Provider{
		RecognizeFunc: func(_ context.Context, _ recognition.Request) (*recognition.Result, error) {
			return nil, recognition.NewTransientError("recognize", errors.New("backend down"))
		},
	}
	backup := &recmock.Provider{Text: "backup result"}

	f := NewRecognitionFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	res, err := f.Recognize(context.Background(), recognition.Request{PCM: []byte{1}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Text() != "backup result" {
		t.Errorf("got %q, want backup result", res.Text())
	}
}

func TestRecognitionFallbackAllFail(t *testing.T) {
	failing := func(_ context.Context, _ recognition.Request) (*recognition.Result, error) {
		return nil, recognition.NewTransientError("recognize", errors.New("down"))
	}
	primary := &recmock.Provider{RecognizeFunc: failing}
	backup := &recmock.Provider{RecognizeFunc: failing}

	f := NewRecognitionFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	_, err := f.Recognize(context.Background(), recognition.Request{PCM: []byte{1}, SampleRate: 16000})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("got %v, want ErrAllFailed", err)
	}
	// The pipeline's retry loop keys off transience; it must still see it
	// when every backend of the group is down with a transient error.
	if !recognition.IsTransient(err) {
		t.Errorf("transience lost through the group: %v", err)
	}
}

func TestRecognitionFallbackSkipsOpenBreaker(t *testing.T) {
	calls := 0
	primary := &recmock.Provider{
		RecognizeFunc: func(_ context.Context, _ recognition.Request) (*recognition.Result, error) {
			calls++
			return nil, recognition.NewTransientError("recognize", errors.New("down"))
		},
	}
	backup := &recmock.Provider{Text: "backup result"}

	f := NewRecognitionFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	f.AddFallback("backup", backup)

	ctx := context.Background()
	req := recognition.Request{PCM: []byte{1}, SampleRate: 16000}
	for range 5 {
		if _, err := f.Recognize(ctx, req); err != nil {
			t.Fatalf("Recognize should fall back: %v", err)
		}
	}
	// Breaker opens after 2 failures; the remaining calls must not reach
	// the primary.
	if calls != 2 {
		t.Errorf("primary saw %d calls, want 2", calls)
	}
}
