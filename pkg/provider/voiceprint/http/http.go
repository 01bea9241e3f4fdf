// Package http implements a voiceprint.Provider backed by an embedding
// sidecar service speaking a small JSON protocol: POST /embed with base64
// PCM, receive the embedding vector back.
package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxmirror/voxmirror/pkg/provider/voiceprint"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultDimensions = 256
	defaultModelID    = "voiceprint-sidecar"
)

// Compile-time assertion that Provider satisfies voiceprint.Provider.
var _ voiceprint.Provider = (*Provider)(nil)

// Provider implements voiceprint.Provider against an HTTP embedding sidecar.
type Provider struct {
	baseURL    string
	client     *http.Client
	dimensions int
	modelID    string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithDimensions sets the expected embedding vector length. Defaults to 256.
func WithDimensions(d int) Option {
	return func(p *Provider) { p.dimensions = d }
}

// WithModelID sets the reported model identifier.
func WithModelID(id string) Option {
	return func(p *Provider) { p.modelID = id }
}

// New creates a Provider that talks to the sidecar at baseURL
// (e.g., "http://localhost:8090").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("voiceprint http: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: defaultTimeout},
		dimensions: defaultDimensions,
		modelID:    defaultModelID,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type embedRequest struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed implements voiceprint.Provider.
func (p *Provider) Embed(ctx context.Context, pcm []byte, sampleRate int) ([]float32, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("voiceprint http: empty audio")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("voiceprint http: invalid sample rate %d", sampleRate)
	}

	body, err := json.Marshal(embedRequest{
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("voiceprint http: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voiceprint http: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voiceprint http: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voiceprint http: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voiceprint http: status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	return p.parseEmbedResponse(data)
}

// parseEmbedResponse decodes the sidecar response body and validates the
// vector dimensionality.
func (p *Provider) parseEmbedResponse(data []byte) ([]float32, error) {
	var er embedResponse
	if err := json.Unmarshal(data, &er); err != nil {
		return nil, fmt.Errorf("voiceprint http: decode response: %w", err)
	}
	if er.Error != "" {
		return nil, fmt.Errorf("voiceprint http: sidecar error: %s", er.Error)
	}
	if len(er.Embedding) != p.dimensions {
		return nil, fmt.Errorf("voiceprint http: got %d dimensions, want %d", len(er.Embedding), p.dimensions)
	}
	return er.Embedding, nil
}

// Dimensions implements voiceprint.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements voiceprint.Provider.
func (p *Provider) ModelID() string { return p.modelID }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
