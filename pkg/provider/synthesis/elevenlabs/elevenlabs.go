// Package elevenlabs provides an ElevenLabs-backed synthesis provider using
// the ElevenLabs streaming WebSocket API for rendering and the REST API for
// voice management and cloning.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	addVoiceEndpoint = "https://api.elevenlabs.io/v1/voices/add"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Compile-time assertion that Provider satisfies synthesis.Provider.
var _ synthesis.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000",
// "pcm_24000"). Only pcm_* formats are supported; the sample rate is parsed
// from the format name.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithHTTPClient replaces the default HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements synthesis.Provider backed by the ElevenLabs API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := outputSampleRate(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// outputSampleRate parses the sample rate out of a pcm_* output format name.
func outputSampleRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (only pcm_* formats)", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid output format %q", format)
	}
	return rate, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

func settingsToWire(s synthesis.Settings) *voiceSettings {
	c := s.Clamped()
	if c == (synthesis.Settings{}) {
		c = synthesis.DefaultSettings()
	}
	return &voiceSettings{
		Stability:       c.Stability,
		SimilarityBoost: c.SimilarityBoost,
		Style:           c.Style,
	}
}

// Synthesize opens a WebSocket to ElevenLabs, sends the full utterance text,
// and collects the audio frames until the stream finishes. One connection per
// call keeps utterances isolated; the flash models connect fast enough for
// per-utterance dialing within the stage budget.
func (p *Provider) Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error) {
	if req.VoiceID == "" {
		return nil, synthesis.NewPermanentError("synthesize", errors.New("voice ID must not be empty"))
	}
	if req.Text == "" {
		rate, _ := outputSampleRate(p.outputFormat)
		return &synthesis.Result{SampleRate: rate}, nil
	}

	rate, err := outputSampleRate(p.outputFormat)
	if err != nil {
		return nil, synthesis.NewPermanentError("synthesize", err)
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, req.VoiceID, p.model, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, synthesis.NewTransientError("dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// BOI message authenticates and configures the stream. ElevenLabs
	// requires a non-empty first text value.
	boi := boiMessage{
		Text:          " ",
		VoiceSettings: settingsToWire(req.Settings),
		XiAPIKey:      p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		return nil, synthesis.NewTransientError("send BOI", err)
	}

	msgBytes, _ := json.Marshal(textMessage{Text: req.Text + " "})
	if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
		return nil, synthesis.NewTransientError("send text", err)
	}

	// Empty text is the flush command; it ends input and makes the server
	// finish the stream.
	flushBytes, _ := json.Marshal(textMessage{Text: ""})
	if err := conn.Write(ctx, websocket.MessageText, flushBytes); err != nil {
		return nil, synthesis.NewTransientError("send flush", err)
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Normal closure after the final frame ends the stream.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return nil, synthesis.NewTransientError("read audio", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			frame, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
			pcm = append(pcm, frame...)
		}
		if resp.IsFinal {
			break
		}
	}

	if len(pcm) == 0 {
		return nil, synthesis.NewTransientError("read audio", errors.New("no audio received"))
	}
	return &synthesis.Result{PCM: pcm, SampleRate: rate}, nil
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]synthesis.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, synthesis.NewTransientError("list voices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, synthesis.NewTransientError("list voices", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, synthesis.NewTransientError("list voices", err)
	}
	return parseVoicesResponse(data)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of Voice values.
func parseVoicesResponse(data []byte) ([]synthesis.Voice, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	voices := make([]synthesis.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		voices = append(voices, synthesis.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return voices, nil
}

// ---- CloneVoice ----

// addVoiceResponse is the response from POST /v1/voices/add.
type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

// CloneVoice creates a new voice via POST /v1/voices/add with the audio
// samples attached as multipart files.
func (p *Provider) CloneVoice(ctx context.Context, name string, samples [][]byte) (*synthesis.Voice, error) {
	if name == "" {
		return nil, synthesis.NewPermanentError("clone voice", errors.New("name must not be empty"))
	}
	if len(samples) == 0 {
		return nil, synthesis.NewPermanentError("clone voice", errors.New("at least one audio sample is required"))
	}

	body, contentType, err := buildCloneRequestBody(name, samples)
	if err != nil {
		return nil, synthesis.NewPermanentError("clone voice", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addVoiceEndpoint, body)
	if err != nil {
		return nil, synthesis.NewPermanentError("clone voice", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, synthesis.NewTransientError("clone voice", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, synthesis.NewTransientError("clone voice", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, synthesis.NewTransientError("clone voice", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data))
	}

	var avr addVoiceResponse
	if err := json.Unmarshal(data, &avr); err != nil {
		return nil, synthesis.NewTransientError("clone voice", fmt.Errorf("decode response: %w", err))
	}
	if avr.VoiceID == "" {
		return nil, synthesis.NewTransientError("clone voice", errors.New("response missing voice_id"))
	}

	return &synthesis.Voice{
		ID:       avr.VoiceID,
		Name:     name,
		Provider: "elevenlabs",
		Metadata: map[string]string{"category": "cloned"},
	}, nil
}

// buildCloneRequestBody assembles the multipart form for /v1/voices/add: a
// "name" field plus one "files" part per sample.
func buildCloneRequestBody(name string, samples [][]byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	if err := w.WriteField("name", name); err != nil {
		return nil, "", fmt.Errorf("write name field: %w", err)
	}
	for i, sample := range samples {
		part, err := w.CreateFormFile("files", fmt.Sprintf("sample_%d.wav", i))
		if err != nil {
			return nil, "", fmt.Errorf("create file part %d: %w", i, err)
		}
		if _, err := part.Write(sample); err != nil {
			return nil, "", fmt.Errorf("write file part %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body, w.FormDataContentType(), nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice, model and
// output format.
func buildURLForVoice(voiceID, model, format string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model, format)
}
