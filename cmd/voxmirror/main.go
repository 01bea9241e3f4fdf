// Command voxmirror is the main entry point for the Voxmirror real-time
// dubbing server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxmirror/voxmirror/internal/config"
	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/internal/registry"
	"github.com/voxmirror/voxmirror/internal/registry/postgres"
	"github.com/voxmirror/voxmirror/internal/resilience"
	"github.com/voxmirror/voxmirror/internal/server"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/internal/speaker"
	"github.com/voxmirror/voxmirror/internal/transcript"
	"github.com/voxmirror/voxmirror/pkg/provider/recognition"
	"github.com/voxmirror/voxmirror/pkg/provider/recognition/whisper"
	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
	"github.com/voxmirror/voxmirror/pkg/provider/synthesis/elevenlabs"
	"github.com/voxmirror/voxmirror/pkg/provider/translate"
	"github.com/voxmirror/voxmirror/pkg/provider/translate/anyllm"
	oaitranslate "github.com/voxmirror/voxmirror/pkg/provider/translate/openai"
	"github.com/voxmirror/voxmirror/pkg/provider/voiceprint"
	vphttp "github.com/voxmirror/voxmirror/pkg/provider/voiceprint/http"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can hot-apply edits.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// corrector holds the glossary corrector handed to new sessions; the
	// watcher swaps it when the glossary changes. Running sessions keep the
	// corrector they started with.
	var corrector atomic.Pointer[transcript.Corrector]

	// ── Load configuration (with hot reload) ──────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, changes config.ChangeSet) {
		if changes.LogLevelChanged {
			level.Set(slogLevel(changes.NewLogLevel))
			slog.Info("log level updated", "log_level", changes.NewLogLevel)
		}
		if changes.GlossaryChanged {
			corrector.Store(newCorrector(changes.NewGlossary))
			slog.Info("glossary updated, applies to new sessions", "terms", len(changes.NewGlossary))
		}
		if changes.PipelineChanged {
			slog.Warn("pipeline or provider settings changed on disk — these require a restart; running sessions keep their immutable config")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxmirror: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxmirror: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))
	corrector.Store(newCorrector(cfg.Glossary))

	slog.Info("voxmirror starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxmirror"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Registry.EmbeddingDimensions)

	// ── Instantiate providers ─────────────────────────────────────────────────
	provs, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Voice registry store ──────────────────────────────────────────────────
	store, err := openRegistry(ctx, cfg)
	if err != nil {
		slog.Error("failed to open registry store", "err", err)
		return 1
	}
	defer store.Close()

	// resolveVoice maps a bound speaker to the synthesis backend's voice ID
	// and the rendering settings chosen for the clone.
	resolveVoice := func(ctx context.Context, speakerID string) (string, synthesis.Settings, bool) {
		voiceID, ok, err := store.Lookup(ctx, speakerID)
		if err != nil || !ok {
			return "", synthesis.Settings{}, false
		}
		v, err := store.GetVoice(ctx, voiceID)
		if err != nil {
			return "", synthesis.Settings{}, false
		}
		return v.EngineVoiceID, v.Settings, true
	}

	// ── Session manager ───────────────────────────────────────────────────────
	template := sessionTemplate(cfg)
	factory := func(scfg session.Config) (*session.Orchestrator, error) {
		return session.New(scfg, session.Deps{
			Identifier:     speaker.NewIdentifier(provs.voiceprint, store, speakerOptions(cfg)...),
			Recognizer:     provs.recognition,
			Translator:     provs.translation,
			Synthesizer:    provs.synthesis,
			Voices:         resolveVoice,
			DefaultVoiceID: cfg.Pipeline.DefaultVoiceID,
			Glossary:       corrector.Load(),
			Metrics:        metrics,
			Logger:         slog.Default(),
		}), nil
	}
	manager := session.NewManager(factory,
		session.WithManagerMetrics(metrics),
		session.WithIdleSweep(30*time.Second),
	)

	// ── HTTP/WebSocket server ─────────────────────────────────────────────────
	srvCfg := server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Session:    template,
	}
	if cfg.Server.TLS != nil {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}
	srv := server.New(srvCfg, server.Deps{
		Sessions:    manager,
		Store:       store,
		Synthesizer: provs.synthesis,
		Metrics:     metrics,
		Logger:      slog.Default(),
	})

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.StopAll(shutdownCtx); err != nil {
		slog.Warn("session drain error during shutdown", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providers holds the instantiated pipeline adapters, each possibly wrapped in
// a fallback group.
type providers struct {
	recognition recognition.Provider
	translation translate.Provider
	synthesis   synthesis.Provider
	voiceprint  voiceprint.Provider
}

// builtinProviders maps provider category names to the implementations that
// ship with Voxmirror. Used for startup logging.
var builtinProviders = map[string][]string{
	"recognition": {"whisper"},
	"translation": {"anyllm", "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"synthesis":   {"elevenlabs"},
	"voiceprint":  {"http"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// embeddingDims is the configured voiceprint dimensionality, applied when the
// provider entry does not override it.
func registerBuiltinProviders(reg *config.Registry, embeddingDims int) {
	// ── Recognition ───────────────────────────────────────────────────────────

	reg.RegisterRecognition("whisper", func(entry config.ProviderEntry) (recognition.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── Translation ───────────────────────────────────────────────────────────
	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all go
	// through any-llm with an optional APIKey + BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterTranslation(providerName, func(entry config.ProviderEntry) (translate.Provider, error) {
			return anyllm.New(providerName, entry.Model, anyllmOptions(entry)...)
		})
	}

	// anyllm picks its backend from options.backend (default openai).
	reg.RegisterTranslation("anyllm", func(entry config.ProviderEntry) (translate.Provider, error) {
		backend := optString(entry.Options, "backend")
		if backend == "" {
			backend = "openai"
		}
		return anyllm.New(backend, entry.Model, anyllmOptions(entry)...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterTranslation("ollama", func(entry config.ProviderEntry) (translate.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai uses the native SDK client for structured-output translation.
	reg.RegisterTranslation("openai", func(entry config.ProviderEntry) (translate.Provider, error) {
		var opts []oaitranslate.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitranslate.WithBaseURL(entry.BaseURL))
		}
		return oaitranslate.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Synthesis ─────────────────────────────────────────────────────────────

	reg.RegisterSynthesis("elevenlabs", func(entry config.ProviderEntry) (synthesis.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Voiceprint ────────────────────────────────────────────────────────────

	reg.RegisterVoiceprint("http", func(entry config.ProviderEntry) (voiceprint.Provider, error) {
		dims := optInt(entry.Options, "dimensions")
		if dims == 0 {
			dims = embeddingDims
		}
		var opts []vphttp.Option
		if dims > 0 {
			opts = append(opts, vphttp.WithDimensions(dims))
		}
		if modelID := optString(entry.Options, "model_id"); modelID != "" {
			opts = append(opts, vphttp.WithModelID(modelID))
		}
		return vphttp.New(entry.BaseURL, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func anyllmOptions(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// buildProviders instantiates the four pipeline adapters named in cfg and
// chains any configured fallbacks behind the primaries. All four are
// required: a dubbing pipeline without one of its stages cannot start.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providers, error) {
	ps := &providers{}

	rec, err := createRequired(cfg.Providers.Recognition, "recognition", reg.CreateRecognition)
	if err != nil {
		return nil, err
	}
	ps.recognition = rec
	if entries := cfg.Providers.Fallbacks.Recognition; len(entries) > 0 {
		fb := resilience.NewRecognitionFallback(rec, cfg.Providers.Recognition.Name, resilience.FallbackConfig{})
		for _, e := range entries {
			p, err := reg.CreateRecognition(e)
			if err != nil {
				return nil, fmt.Errorf("create recognition fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Name, p)
			slog.Info("fallback registered", "kind", "recognition", "name", e.Name)
		}
		ps.recognition = fb
	}

	tr, err := createRequired(cfg.Providers.Translation, "translation", reg.CreateTranslation)
	if err != nil {
		return nil, err
	}
	ps.translation = tr
	if entries := cfg.Providers.Fallbacks.Translation; len(entries) > 0 {
		fb := resilience.NewTranslateFallback(tr, cfg.Providers.Translation.Name, resilience.FallbackConfig{})
		for _, e := range entries {
			p, err := reg.CreateTranslation(e)
			if err != nil {
				return nil, fmt.Errorf("create translation fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Name, p)
			slog.Info("fallback registered", "kind", "translation", "name", e.Name)
		}
		ps.translation = fb
	}

	syn, err := createRequired(cfg.Providers.Synthesis, "synthesis", reg.CreateSynthesis)
	if err != nil {
		return nil, err
	}
	ps.synthesis = syn
	if entries := cfg.Providers.Fallbacks.Synthesis; len(entries) > 0 {
		fb := resilience.NewSynthesisFallback(syn, cfg.Providers.Synthesis.Name, resilience.FallbackConfig{})
		for _, e := range entries {
			p, err := reg.CreateSynthesis(e)
			if err != nil {
				return nil, fmt.Errorf("create synthesis fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Name, p)
			slog.Info("fallback registered", "kind", "synthesis", "name", e.Name)
		}
		ps.synthesis = fb
	}

	vp, err := createRequired(cfg.Providers.Voiceprint, "voiceprint", reg.CreateVoiceprint)
	if err != nil {
		return nil, err
	}
	ps.voiceprint = vp

	return ps, nil
}

// createRequired instantiates one named provider, failing with a clear error
// when the entry is missing or unregistered.
func createRequired[T any](entry config.ProviderEntry, kind string, create func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, fmt.Errorf("no %s provider configured — set providers.%s.name", kind, kind)
	}
	p, err := create(entry)
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, nil
}

// openRegistry selects the registry backend. Everything goes through the
// read cache so binding lookups on the synthesis path stay cheap.
func openRegistry(ctx context.Context, cfg *config.Config) (registry.Store, error) {
	if cfg.Registry.PostgresDSN == "" {
		slog.Warn("no registry.postgres_dsn configured — using the in-memory store, speaker and voice state is lost on restart")
		return registry.NewCache(registry.NewMemStore()), nil
	}
	dims := cfg.Registry.EmbeddingDimensions
	if dims <= 0 {
		dims = 256
	}
	pg, err := postgres.New(ctx, cfg.Registry.PostgresDSN, dims)
	if err != nil {
		return nil, err
	}
	slog.Info("registry connected", "backend", "postgres", "embedding_dimensions", dims)
	return registry.NewCache(pg), nil
}

// ── Session wiring ────────────────────────────────────────────────────────────

// sessionTemplate converts the pipeline config block into the immutable
// per-session template. Unset deadlines inherit the standard budget.
func sessionTemplate(cfg *config.Config) session.Config {
	dl := session.DefaultDeadlines()
	if d := cfg.Pipeline.IdentifyDeadline.Std(); d > 0 {
		dl.Identify = d
	}
	if d := cfg.Pipeline.RecognizeDeadline.Std(); d > 0 {
		dl.Recognize = d
	}
	if d := cfg.Pipeline.TranslateDeadline.Std(); d > 0 {
		dl.Translate = d
	}
	if d := cfg.Pipeline.SynthesizeDeadline.Std(); d > 0 {
		dl.Synthesize = d
	}
	if d := cfg.Pipeline.TotalDeadline.Std(); d > 0 {
		dl.Total = d
	}

	return session.Config{
		TargetLanguage:    cfg.Pipeline.TargetLanguage,
		SourceLanguage:    cfg.Pipeline.SourceLanguage,
		PreserveVoice:     cfg.Pipeline.PreserveVoice,
		SampleRate:        cfg.Pipeline.SampleRate,
		NoiseFloor:        cfg.Pipeline.NoiseFloor,
		Deadlines:         dl,
		QueueDepth:        cfg.Pipeline.QueueDepth,
		DegradedWindow:    cfg.Pipeline.DegradedWindow,
		DegradedThreshold: cfg.Pipeline.DegradedThreshold,
		RetryAttempts:     cfg.Pipeline.RetryAttempts,
		RetryBackoff:      cfg.Pipeline.RetryBackoff.Std(),
		StopGrace:         cfg.Pipeline.StopGrace.Std(),
		IdleTimeout:       cfg.Pipeline.IdleTimeout.Std(),
	}
}

// speakerOptions maps the speaker config block onto identifier options,
// leaving zero values to the package defaults.
func speakerOptions(cfg *config.Config) []speaker.Option {
	var opts []speaker.Option
	if t := cfg.Speaker.SimilarityThreshold; t > 0 {
		opts = append(opts, speaker.WithThreshold(t))
	}
	if t := cfg.Speaker.CrossSessionThreshold; t > 0 {
		opts = append(opts, speaker.WithCrossSessionThreshold(t))
	}
	if a := cfg.Speaker.SmoothingAlpha; a > 0 {
		opts = append(opts, speaker.WithSmoothingAlpha(a))
	}
	return opts
}

// newCorrector builds the glossary corrector, or nil when no terms are
// configured.
func newCorrector(terms []string) *transcript.Corrector {
	if len(terms) == 0 {
		return nil
	}
	return transcript.NewCorrector(terms)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Voxmirror — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Recognition", cfg.Providers.Recognition.Name, cfg.Providers.Recognition.Model)
	printProvider("Translation", cfg.Providers.Translation.Name, cfg.Providers.Translation.Model)
	printProvider("Synthesis", cfg.Providers.Synthesis.Name, cfg.Providers.Synthesis.Model)
	printProvider("Voiceprint", cfg.Providers.Voiceprint.Name, "")
	backend := "in-memory"
	if cfg.Registry.PostgresDSN != "" {
		backend = "postgres"
	}
	fmt.Printf("║  Registry        : %-19s ║\n", backend)
	fmt.Printf("║  Glossary terms  : %-19d ║\n", len(cfg.Glossary))
	if cfg.Pipeline.TargetLanguage != "" {
		fmt.Printf("║  Default target  : %-19s ║\n", cfg.Pipeline.TargetLanguage)
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// unqualified numbers as int.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
