package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognition": {"whisper"},
	"translation": {"anyllm", "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"synthesis":   {"elevenlabs"},
	"voiceprint":  {"http"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("recognition", cfg.Providers.Recognition.Name)
	validateProviderName("translation", cfg.Providers.Translation.Name)
	validateProviderName("synthesis", cfg.Providers.Synthesis.Name)
	validateProviderName("voiceprint", cfg.Providers.Voiceprint.Name)
	for _, e := range cfg.Providers.Fallbacks.Recognition {
		validateProviderName("recognition", e.Name)
	}
	for _, e := range cfg.Providers.Fallbacks.Translation {
		validateProviderName("translation", e.Name)
	}
	for _, e := range cfg.Providers.Fallbacks.Synthesis {
		validateProviderName("synthesis", e.Name)
	}

	// Provider availability warnings
	if cfg.Providers.Voiceprint.Name == "" {
		slog.Warn("providers.voiceprint is not configured; every utterance will resolve to the default speaker")
	}
	if cfg.Pipeline.PreserveVoice && cfg.Providers.Voiceprint.Name == "" {
		errs = append(errs, errors.New("pipeline.preserve_voice requires providers.voiceprint"))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must not be negative", p.SampleRate))
	}
	if p.NoiseFloor < 0 || p.NoiseFloor > 1 {
		errs = append(errs, fmt.Errorf("pipeline.noise_floor %.3f is out of range [0, 1]", p.NoiseFloor))
	}
	if p.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_depth %d must not be negative", p.QueueDepth))
	}
	for name, d := range map[string]Duration{
		"identify_deadline":   p.IdentifyDeadline,
		"recognize_deadline":  p.RecognizeDeadline,
		"translate_deadline":  p.TranslateDeadline,
		"synthesize_deadline": p.SynthesizeDeadline,
		"total_deadline":      p.TotalDeadline,
		"retry_backoff":       p.RetryBackoff,
		"stop_grace":          p.StopGrace,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must not be negative", name))
		}
	}

	// Speaker thresholds
	s := cfg.Speaker
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("speaker.similarity_threshold %.3f is out of range [0, 1]", s.SimilarityThreshold))
	}
	if s.CrossSessionThreshold < 0 || s.CrossSessionThreshold > 1 {
		errs = append(errs, fmt.Errorf("speaker.cross_session_threshold %.3f is out of range [0, 1]", s.CrossSessionThreshold))
	}
	if s.CrossSessionThreshold != 0 && s.SimilarityThreshold != 0 && s.CrossSessionThreshold < s.SimilarityThreshold {
		errs = append(errs, fmt.Errorf("speaker.cross_session_threshold %.3f must not be below similarity_threshold %.3f", s.CrossSessionThreshold, s.SimilarityThreshold))
	}
	if s.SmoothingAlpha < 0 || s.SmoothingAlpha >= 1 {
		errs = append(errs, fmt.Errorf("speaker.smoothing_alpha %.3f is out of range [0, 1)", s.SmoothingAlpha))
	}

	// Registry
	if cfg.Registry.PostgresDSN == "" {
		slog.Warn("registry.postgres_dsn is empty; actor/voice bindings will not survive restarts")
	}
	if cfg.Registry.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("registry.embedding_dimensions %d must not be negative", cfg.Registry.EmbeddingDimensions))
	}

	// Glossary
	for i, term := range cfg.Glossary {
		if term == "" {
			errs = append(errs, fmt.Errorf("glossary[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
