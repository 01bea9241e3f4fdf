// Package session implements the per-session dubbing pipeline: a staged,
// backpressure-aware flow that turns a stream of input audio chunks into a
// stream of dubbed output chunks under a real-time latency budget.
//
// Each session owns an [Orchestrator] running four pipeline stages
// (identify → recognize → translate → synthesize) connected by bounded
// channels, with one worker per stage so chunks pipeline concurrently while
// FIFO order is preserved end-to-end. A [Manager] owns the set of live
// sessions.
package session

import "time"

// Default pipeline tuning values. All of them can be overridden per session
// through [Config].
const (
	// DefaultSampleRate is the session PCM sample rate in Hz.
	DefaultSampleRate = 16000

	// DefaultQueueDepth is the buffer depth of each inter-stage channel.
	DefaultQueueDepth = 16

	// DefaultNoiseFloor is the mean-absolute-amplitude threshold below which
	// a chunk is tagged silent and short-circuited to pass-through.
	DefaultNoiseFloor = 0.02

	// DefaultStopGrace is how long Stop waits for in-flight chunks to drain
	// before cancelling outstanding adapter calls.
	DefaultStopGrace = 2 * time.Second

	// DefaultDegradedWindow is the size (in chunks) of the sliding window
	// used to detect sustained deadline violations.
	DefaultDegradedWindow = 50

	// DefaultDegradedThreshold is the number of violations within the window
	// that flips the session status to degraded.
	DefaultDegradedThreshold = 10

	// DefaultRetryAttempts is the maximum number of attempts (first try
	// included) for a transient adapter failure within a stage deadline.
	DefaultRetryAttempts = 3

	// DefaultRetryBackoff is the initial backoff between retry attempts.
	// Doubled after each failure.
	DefaultRetryBackoff = 25 * time.Millisecond
)

// Deadlines holds the soft per-stage latency budget. A stage that exceeds its
// deadline degrades the affected chunk to pass-through, it never aborts the
// session.
type Deadlines struct {
	Identify   time.Duration
	Recognize  time.Duration
	Translate  time.Duration
	Synthesize time.Duration

	// Total bounds a chunk's end-to-end residence in the pipeline. A chunk
	// that is already past this budget is degraded without calling the
	// remaining stages.
	Total time.Duration
}

// DefaultDeadlines returns the standard real-time latency budget.
func DefaultDeadlines() Deadlines {
	return Deadlines{
		Identify:   150 * time.Millisecond,
		Recognize:  300 * time.Millisecond,
		Translate:  200 * time.Millisecond,
		Synthesize: 400 * time.Millisecond,
		Total:      1000 * time.Millisecond,
	}
}

// Config is the immutable per-session pipeline configuration. It is passed
// into the orchestrator at creation and never mutated afterwards; changing a
// setting means starting a new session with a new Config.
type Config struct {
	// SessionID identifies the session in logs, stats, and registry writes.
	SessionID string

	// TargetLanguage is the language dubbed audio is produced in (e.g. "de").
	TargetLanguage string

	// SourceLanguage is an optional recognition hint. Empty means
	// auto-detect.
	SourceLanguage string

	// PreserveVoice selects the cloned voice bound to the active speaker for
	// synthesis. When false every speaker is rendered with the default
	// voice.
	PreserveVoice bool

	// SampleRate is the PCM sample rate all chunks must arrive in.
	SampleRate int

	// Channels is the channel count all chunks must arrive in.
	Channels int

	// NoiseFloor tags chunks below this mean absolute amplitude as silent.
	NoiseFloor float64

	// Deadlines is the per-stage latency budget.
	Deadlines Deadlines

	// QueueDepth bounds each inter-stage channel.
	QueueDepth int

	// DegradedWindow and DegradedThreshold control the sliding-window
	// detector that flips the session status to degraded under sustained
	// deadline violations.
	DegradedWindow    int
	DegradedThreshold int

	// RetryAttempts and RetryBackoff bound retries of transient adapter
	// failures within a stage deadline.
	RetryAttempts int
	RetryBackoff  time.Duration

	// StopGrace is the drain timeout applied during Stop.
	StopGrace time.Duration

	// IdleTimeout is how long the session may go without a submitted chunk
	// before the manager's idle reaper destroys it. Zero disables reaping
	// for this session.
	IdleTimeout time.Duration
}

// withDefaults returns a copy of c with zero-valued fields replaced by the
// package defaults.
func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.NoiseFloor <= 0 {
		c.NoiseFloor = DefaultNoiseFloor
	}
	if c.Deadlines == (Deadlines{}) {
		c.Deadlines = DefaultDeadlines()
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.DegradedWindow <= 0 {
		c.DegradedWindow = DefaultDegradedWindow
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = DefaultDegradedThreshold
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}
