// Package whisper implements recognition.Provider backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxmirror/voxmirror/pkg/audio"
	"github.com/voxmirror/voxmirror/pkg/provider/recognition"
)

const defaultLanguage = "auto"

// Compile-time assertion that Provider satisfies recognition.Provider.
var _ recognition.Provider = (*Provider)(nil)

// Provider implements recognition.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all sessions; each Recognize call creates its own
// whisper context, so calls can run concurrently.
type Provider struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default source language code for transcription
// (e.g., "ja", "de", "fr"). Defaults to "auto". A per-request LanguageHint
// overrides this.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New creates a Provider that loads the whisper.cpp model from the given file
// path. The model is loaded once and shared across all concurrent calls. The
// caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Recognize implements recognition.Provider. Inference runs on the calling
// goroutine; the ctx deadline is checked before starting because whisper.cpp
// inference cannot be interrupted once dispatched.
func (p *Provider) Recognize(ctx context.Context, req recognition.Request) (*recognition.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.PCM) == 0 {
		return nil, recognition.NewPermanentError("recognize", errors.New("empty audio"))
	}

	lang := req.LanguageHint
	if lang == "" {
		lang = p.language
	}

	samples := audio.PCMToFloat32(req.PCM)

	// Each whisper context is single-use and not thread-safe; the model
	// itself is shareable.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, recognition.NewTransientError("create context", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return nil, recognition.NewPermanentError(fmt.Sprintf("set language %q", lang), err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, recognition.NewTransientError("process audio", err)
	}

	result := &recognition.Result{Language: lang}
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, recognition.NewTransientError("read segment", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		result.Segments = append(result.Segments, recognition.Segment{
			Text:       text,
			Start:      segment.Start,
			End:        segment.End,
			Confidence: segmentConfidence(segment),
		})
	}
	return result, nil
}

// segmentConfidence averages the token probabilities whisper reports for a
// segment. Falls back to 1.0 when no token data is available.
func segmentConfidence(s whisperlib.Segment) float64 {
	if len(s.Tokens) == 0 {
		return 1.0
	}
	var sum float64
	for _, tok := range s.Tokens {
		sum += float64(tok.P)
	}
	return sum / float64(len(s.Tokens))
}
