package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxmirror/voxmirror/internal/ingest"
	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/internal/speaker"
	"github.com/voxmirror/voxmirror/internal/transcript"
	"github.com/voxmirror/voxmirror/pkg/audio"
	"github.com/voxmirror/voxmirror/pkg/provider/recognition"
	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
	"github.com/voxmirror/voxmirror/pkg/provider/translate"
)

var (
	// ErrNotCapturing is returned by Submit and Stop when the session is not
	// in the capturing state.
	ErrNotCapturing = errors.New("session: not capturing")

	// ErrAlreadyStarted is returned by Start on a session that has already
	// run. A session is single-use.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrOverloaded is returned by Submit when the pipeline intake stays
	// full beyond the admission wait. The chunk is dropped.
	ErrOverloaded = errors.New("session: pipeline overloaded, chunk dropped")
)

// ingestWait bounds how long Submit blocks on a full intake queue before
// dropping the chunk. Only the raw intake may drop; inter-stage queues always
// apply backpressure instead.
const ingestWait = 100 * time.Millisecond

// OutputChunk is one unit of pipeline output. Every admitted input chunk
// produces exactly one OutputChunk carrying the same sequence number.
type OutputChunk struct {
	// Seq is the sequence number of the originating input chunk.
	Seq uint64

	// SpeakerID is the resolved speaker, empty for silent chunks.
	SpeakerID string

	// PCM is the dubbed audio, or the original audio when Passthrough.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int

	// Timestamp of the originating input chunk.
	Timestamp time.Time

	// Passthrough is true when PCM is the unmodified original audio
	// (silence, no detected speech, or degradation).
	Passthrough bool

	// Degraded is true when the chunk fell back to pass-through because a
	// stage failed or blew its deadline.
	Degraded bool

	// FailedStage names the stage that degraded the chunk ("identify",
	// "recognize", "translate", "synthesize", or "pipeline" for a blown
	// total budget). Empty when the chunk was not degraded.
	FailedStage string

	// Text is the recognized source-language transcript, Translation the
	// dubbed text. Both empty for pass-through chunks.
	Text        string
	Translation string
	SourceLang  string
}

// VoiceResolver maps a speaker ID to the synthesis voice currently bound to
// it. ok is false when the speaker has no binding.
type VoiceResolver func(ctx context.Context, speakerID string) (voiceID string, settings synthesis.Settings, ok bool)

// Deps bundles the adapters a session pipeline runs against.
type Deps struct {
	Identifier  *speaker.Identifier
	Recognizer  recognition.Provider
	Translator  translate.Provider
	Synthesizer synthesis.Provider

	// Voices resolves speaker-to-voice bindings. Nil or a miss falls back
	// to DefaultVoiceID.
	Voices         VoiceResolver
	DefaultVoiceID string

	// Glossary optionally corrects recognized transcripts before
	// translation.
	Glossary *transcript.Corrector

	// Metrics is optional; nil disables metric recording.
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// job is the unit of work flowing through the pipeline, one per admitted
// chunk. Ownership passes strictly downstream; no two workers touch a job
// concurrently.
type job struct {
	chunk audio.Chunk
	start time.Time

	silent      bool   // below the noise floor, skips all stages
	degraded    bool   // failed or deadline-blown, skips remaining stages
	violated    bool   // blew a stage deadline (tracked even when recovered)
	failedStage string // stage that degraded the chunk, empty otherwise

	speakerID   string
	text        string
	lang        string
	translation string
	outPCM      []byte
	outRate     int
}

// Orchestrator runs one session's four-stage dubbing pipeline. Stages are
// connected by bounded channels with a single worker each, so chunks pipeline
// concurrently while FIFO order is preserved end-to-end.
//
// Submit must be called from a single goroutine (one per session, matching
// one streaming connection). All other methods are safe for concurrent use.
type Orchestrator struct {
	cfg  Config
	deps Deps
	gate *ingest.Gate
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	started  bool
	submitWG sync.WaitGroup
	cancel   context.CancelFunc
	workers  *errgroup.Group

	intake     chan *job
	identified chan *job
	recognized chan *job
	translated chan *job
	out        chan OutputChunk

	stats     *tracker
	startedAt time.Time

	// lastActivity is the UnixNano of the most recent Submit (or Start),
	// read by the manager's idle reaper.
	lastActivity atomic.Int64
}

// New creates an Orchestrator for one session. Zero-valued Config fields are
// replaced by package defaults. The pipeline does not run until Start.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		gate:  ingest.NewGate(cfg.SampleRate, cfg.Channels, cfg.NoiseFloor),
		log:   log.With("session_id", cfg.SessionID),
		state: StateIdle,
		stats: newTracker(cfg.DegradedWindow, cfg.DegradedThreshold),
	}
}

// Start transitions the session from idle to capturing and launches the
// stage workers. The pipeline runs on its own session-scoped context;
// cancelling ctx after Start returns has no effect on the session.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true

	o.intake = make(chan *job, o.cfg.QueueDepth)
	o.identified = make(chan *job, o.cfg.QueueDepth)
	o.recognized = make(chan *job, o.cfg.QueueDepth)
	o.translated = make(chan *job, o.cfg.QueueDepth)
	o.out = make(chan OutputChunk, o.cfg.QueueDepth)

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel

	g, sctx := errgroup.WithContext(sctx)
	o.workers = g
	g.Go(func() error { return o.identifyWorker(sctx) })
	g.Go(func() error { return o.recognizeWorker(sctx) })
	g.Go(func() error { return o.translateWorker(sctx) })
	g.Go(func() error { return o.synthesizeWorker(sctx) })

	o.state = StateCapturing
	o.startedAt = time.Now()
	o.lastActivity.Store(o.startedAt.UnixNano())
	o.log.Info("session capturing",
		"target_language", o.cfg.TargetLanguage,
		"sample_rate", o.cfg.SampleRate,
		"preserve_voice", o.cfg.PreserveVoice,
	)
	return nil
}

// Submit admits one chunk into the pipeline. Invalid chunks are rejected
// with an [ingest.InvalidChunkError] and dropped; the session keeps running.
// When the intake queue stays full beyond a short wait the chunk is dropped
// with [ErrOverloaded] rather than buffering unboundedly.
func (o *Orchestrator) Submit(chunk audio.Chunk) error {
	o.mu.Lock()
	if o.state != StateCapturing {
		o.mu.Unlock()
		return ErrNotCapturing
	}
	o.submitWG.Add(1)
	o.mu.Unlock()
	defer o.submitWG.Done()

	o.lastActivity.Store(time.Now().UnixNano())
	o.stats.recordIn()

	adm, err := o.gate.Admit(chunk)
	if err != nil {
		o.stats.recordDropped()
		o.recordChunkMetric("dropped")
		o.log.Warn("chunk rejected", "seq", chunk.Seq, "err", err)
		return err
	}

	j := &job{chunk: adm.Chunk, start: time.Now(), silent: adm.Silent}

	timer := time.NewTimer(ingestWait)
	defer timer.Stop()
	select {
	case o.intake <- j:
		return nil
	case <-timer.C:
		o.stats.recordDropped()
		o.recordChunkMetric("dropped")
		o.log.Warn("intake full, chunk dropped", "seq", chunk.Seq)
		return ErrOverloaded
	}
}

// Output returns the channel dubbed chunks are emitted on. It is closed when
// the session reaches idle. The consumer must keep reading; a stalled
// consumer backpressures the pipeline.
func (o *Orchestrator) Output() <-chan OutputChunk {
	return o.out
}

// Stop drains in-flight chunks up to the configured grace timeout, then
// cancels any adapter calls still pending, and transitions the session to
// idle. No chunk is processed afterwards. ctx bounds the whole call; its
// cancellation forces immediate pipeline cancellation.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateCapturing {
		o.mu.Unlock()
		return ErrNotCapturing
	}
	o.state = StateStopping
	o.mu.Unlock()

	o.log.Info("session stopping")

	// Wait out in-progress Submit calls, then close intake so the worker
	// chain drains and cascades channel closes downstream.
	o.submitWG.Wait()
	close(o.intake)

	done := make(chan error, 1)
	go func() { done <- o.workers.Wait() }()

	timer := time.NewTimer(o.cfg.StopGrace)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		o.log.Warn("drain grace expired, cancelling in-flight work")
		o.cancel()
		err = <-done
	case <-ctx.Done():
		o.cancel()
		err = <-done
	}
	o.cancel()

	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()

	o.log.Info("session stopped")
	if err != nil {
		return fmt.Errorf("session: pipeline shutdown: %w", err)
	}
	return nil
}

// State returns the session's lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns a snapshot of the session's pipeline counters.
func (o *Orchestrator) Stats() Stats {
	s := o.stats.snapshot()
	s.SessionID = o.cfg.SessionID
	s.State = o.State().String()
	s.StartedAt = o.startedAt
	if o.deps.Identifier != nil {
		s.ActiveSpeakers = o.deps.Identifier.ActiveSpeakers()
	}
	return s
}

// Config returns the session's immutable configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// IdleFor reports how long ago the session last saw a Submit call. Returns
// zero for a session that has not started.
func (o *Orchestrator) IdleFor() time.Duration {
	ns := o.lastActivity.Load()
	if ns == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ns))
}

// ─── Stage workers ────────────────────────────────────────────────────────────

func (o *Orchestrator) identifyWorker(ctx context.Context) error {
	defer close(o.identified)
	for j := range o.intake {
		if !j.silent && !j.degraded {
			t0 := time.Now()
			cctx, cancel := o.stageCtx(ctx, j, o.cfg.Deadlines.Identify)
			id := o.deps.Identifier.Identify(cctx, j.chunk.Data, o.cfg.SampleRate)
			cancel()
			o.finishStage(ctx, j, "identify", time.Since(t0), o.cfg.Deadlines.Identify)
			j.speakerID = id.SpeakerID
		}
		if !o.forward(ctx, o.identified, j) {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) recognizeWorker(ctx context.Context) error {
	defer close(o.recognized)
	for j := range o.identified {
		if !j.silent && !j.degraded {
			t0 := time.Now()
			cctx, cancel := o.stageCtx(ctx, j, o.cfg.Deadlines.Recognize)
			res, err := retry(cctx, o.cfg.RetryAttempts, o.cfg.RetryBackoff, recognition.IsTransient,
				func(c context.Context) (*recognition.Result, error) {
					return o.deps.Recognizer.Recognize(c, recognition.Request{
						PCM:          j.chunk.Data,
						SampleRate:   o.cfg.SampleRate,
						LanguageHint: o.cfg.SourceLanguage,
					})
				})
			cancel()
			o.finishStage(ctx, j, "recognize", time.Since(t0), o.cfg.Deadlines.Recognize)
			if err != nil {
				o.degrade(ctx, j, "recognize", err)
			} else {
				j.text = res.Text()
				j.lang = res.Language
				if o.deps.Glossary != nil && j.text != "" {
					corrected, hits := o.deps.Glossary.Correct(j.text)
					if len(hits) > 0 {
						o.log.Debug("glossary corrections applied", "seq", j.chunk.Seq, "count", len(hits))
					}
					j.text = corrected
				}
			}
		}
		if !o.forward(ctx, o.recognized, j) {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) translateWorker(ctx context.Context) error {
	defer close(o.translated)
	for j := range o.recognized {
		if !j.silent && !j.degraded && j.text != "" {
			t0 := time.Now()
			cctx, cancel := o.stageCtx(ctx, j, o.cfg.Deadlines.Translate)
			res, err := retry(cctx, o.cfg.RetryAttempts, o.cfg.RetryBackoff, translate.IsTransient,
				func(c context.Context) (*translate.Result, error) {
					return o.deps.Translator.Translate(c, translate.Request{
						Text:       j.text,
						SourceLang: j.lang,
						TargetLang: o.cfg.TargetLanguage,
					})
				})
			cancel()
			o.finishStage(ctx, j, "translate", time.Since(t0), o.cfg.Deadlines.Translate)
			if err != nil {
				o.degrade(ctx, j, "translate", err)
			} else {
				j.translation = res.Text
				if j.lang == "" {
					j.lang = res.DetectedSourceLang
				}
			}
		}
		if !o.forward(ctx, o.translated, j) {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) synthesizeWorker(ctx context.Context) error {
	defer close(o.out)
	for j := range o.translated {
		if !j.silent && !j.degraded && j.translation != "" {
			t0 := time.Now()
			cctx, cancel := o.stageCtx(ctx, j, o.cfg.Deadlines.Synthesize)
			voiceID, settings := o.resolveVoice(cctx, j.speakerID)
			res, err := retry(cctx, o.cfg.RetryAttempts, o.cfg.RetryBackoff, synthesis.IsTransient,
				func(c context.Context) (*synthesis.Result, error) {
					return o.deps.Synthesizer.Synthesize(c, synthesis.Request{
						Text:     j.translation,
						VoiceID:  voiceID,
						Settings: settings,
					})
				})
			cancel()
			o.finishStage(ctx, j, "synthesize", time.Since(t0), o.cfg.Deadlines.Synthesize)
			if err != nil {
				o.degrade(ctx, j, "synthesize", err)
			} else {
				j.outPCM = res.PCM
				j.outRate = res.SampleRate
				if j.outRate != 0 && j.outRate != o.cfg.SampleRate {
					j.outPCM = audio.ResampleMono16(j.outPCM, j.outRate, o.cfg.SampleRate)
					j.outRate = o.cfg.SampleRate
				}
			}
		}
		if !o.emit(ctx, j) {
			return nil
		}
	}
	return nil
}

// ─── Worker helpers ───────────────────────────────────────────────────────────

// forward hands a job to the next stage, blocking for backpressure. Returns
// false when the session context is cancelled.
func (o *Orchestrator) forward(ctx context.Context, next chan<- *job, j *job) bool {
	select {
	case next <- j:
		return true
	case <-ctx.Done():
		return false
	}
}

// emit converts a finished job to an OutputChunk and delivers it. Degraded
// and speechless jobs pass the original audio through so no chunk is ever
// dropped or duplicated.
func (o *Orchestrator) emit(ctx context.Context, j *job) bool {
	total := time.Since(j.start)
	if total > o.cfg.Deadlines.Total {
		j.violated = true
		if !j.silent {
			j.degraded = true
			if j.failedStage == "" {
				j.failedStage = "pipeline"
			}
		}
	}

	oc := OutputChunk{
		Seq:         j.chunk.Seq,
		SpeakerID:   j.speakerID,
		SampleRate:  o.cfg.SampleRate,
		Timestamp:   j.chunk.Timestamp,
		Degraded:    j.degraded,
		FailedStage: j.failedStage,
	}
	outcome := "dubbed"
	if j.degraded || j.silent || len(j.outPCM) == 0 {
		oc.PCM = j.chunk.Data
		oc.Passthrough = true
		outcome = "passthrough"
		if j.degraded {
			outcome = "degraded"
		}
	} else {
		oc.PCM = j.outPCM
		oc.Text = j.text
		oc.Translation = j.translation
		oc.SourceLang = j.lang
	}

	o.stats.recordOutcome(outcome, j.violated)
	o.stats.recordStage("pipeline", total)
	o.recordChunkMetric(outcome)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordStage(ctx, "pipeline", total)
	}

	select {
	case o.out <- oc:
		return true
	case <-ctx.Done():
		return false
	}
}

// stageCtx derives a stage context bounded by both the stage deadline and the
// chunk's remaining share of the total pipeline budget.
func (o *Orchestrator) stageCtx(parent context.Context, j *job, stage time.Duration) (context.Context, context.CancelFunc) {
	dl := time.Now().Add(stage)
	if total := j.start.Add(o.cfg.Deadlines.Total); total.Before(dl) {
		dl = total
	}
	return context.WithDeadline(parent, dl)
}

// finishStage records a stage duration and marks the job violated and
// degraded when the stage blew its deadline.
func (o *Orchestrator) finishStage(ctx context.Context, j *job, stage string, d, deadline time.Duration) {
	o.stats.recordStage(stage, d)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordStage(ctx, stage, d)
	}
	if d > deadline {
		j.violated = true
		j.degraded = true
		if j.failedStage == "" {
			j.failedStage = stage
		}
		o.log.Warn("stage deadline exceeded",
			"stage", stage, "seq", j.chunk.Seq,
			"took", d, "deadline", deadline,
		)
	}
}

// degrade marks a job degraded after a stage failure.
func (o *Orchestrator) degrade(ctx context.Context, j *job, stage string, err error) {
	j.degraded = true
	if j.failedStage == "" {
		j.failedStage = stage
	}
	o.log.Warn("stage failed, passing chunk through",
		"stage", stage, "seq", j.chunk.Seq, "err", err,
	)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordProviderError(ctx, "", stage)
	}
}

// resolveVoice picks the synthesis voice for a speaker. Falls back to the
// default voice when voice preservation is off or the speaker is unbound.
func (o *Orchestrator) resolveVoice(ctx context.Context, speakerID string) (string, synthesis.Settings) {
	if o.cfg.PreserveVoice && o.deps.Voices != nil && speakerID != "" {
		if voiceID, settings, ok := o.deps.Voices(ctx, speakerID); ok {
			return voiceID, settings
		}
	}
	return o.deps.DefaultVoiceID, synthesis.DefaultSettings()
}

func (o *Orchestrator) recordChunkMetric(outcome string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordChunk(context.Background(), outcome)
	}
}

// retry invokes fn until it succeeds, returns a non-transient error, runs out
// of attempts, or the context ends. Backoff doubles after each failed
// attempt.
func retry[T any](ctx context.Context, attempts int, backoff time.Duration, transient func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			}
			backoff *= 2
		}

		var res T
		res, err = fn(ctx)
		if err == nil {
			return res, nil
		}
		if !transient(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, err
}
