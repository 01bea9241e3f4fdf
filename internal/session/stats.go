package session

import (
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State int32

const (
	// StateIdle means the session is not processing chunks. A session that
	// reaches Idle after Capturing is terminal.
	StateIdle State = iota

	// StateCapturing means the pipeline accepts and processes chunks.
	StateCapturing

	// StateStopping means intake is closed and in-flight chunks are
	// draining.
	StateStopping
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of a session's pipeline counters.
type Stats struct {
	SessionID string
	State     string
	StartedAt time.Time

	// Degraded is true while sustained deadline violations exceed the
	// configured threshold within the sliding window.
	Degraded bool

	// Chunk counters by outcome.
	ChunksIn          uint64
	ChunksDubbed      uint64
	ChunksPassthrough uint64
	ChunksDegraded    uint64
	ChunksDropped     uint64

	// DeadlineViolations is the all-time violation count.
	DeadlineViolations uint64

	// StageLatency holds the rolling average latency per stage, keyed by
	// stage name ("identify", "recognize", "translate", "synthesize",
	// "pipeline").
	StageLatency map[string]time.Duration

	// ActiveSpeakers lists the speaker IDs seen in this session.
	ActiveSpeakers []string
}

// latencyAlpha is the smoothing factor of the per-stage rolling latency
// average.
const latencyAlpha = 0.2

// tracker accumulates pipeline counters and detects sustained deadline
// violations over a sliding window of recent chunks. Safe for concurrent
// use.
type tracker struct {
	mu sync.Mutex

	in          uint64
	dubbed      uint64
	passthrough uint64
	degraded    uint64
	dropped     uint64
	violations  uint64

	// window is a ring of per-chunk violation flags; full holds how many
	// slots carry data yet.
	window  []bool
	idx     int
	full    int
	inWin   int
	flipAt  int
	latency map[string]time.Duration
}

func newTracker(windowSize, threshold int) *tracker {
	return &tracker{
		window:  make([]bool, windowSize),
		flipAt:  threshold,
		latency: make(map[string]time.Duration),
	}
}

func (t *tracker) recordIn() {
	t.mu.Lock()
	t.in++
	t.mu.Unlock()
}

func (t *tracker) recordDropped() {
	t.mu.Lock()
	t.dropped++
	t.mu.Unlock()
}

// recordOutcome records a finished chunk and whether it violated its latency
// budget. outcome is one of "dubbed", "passthrough", or "degraded".
func (t *tracker) recordOutcome(outcome string, violated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch outcome {
	case "dubbed":
		t.dubbed++
	case "passthrough":
		t.passthrough++
	case "degraded":
		t.degraded++
	}
	if violated {
		t.violations++
	}

	// Slide the window.
	if t.window[t.idx] {
		t.inWin--
	}
	t.window[t.idx] = violated
	if violated {
		t.inWin++
	}
	t.idx = (t.idx + 1) % len(t.window)
	if t.full < len(t.window) {
		t.full++
	}
}

// recordStage folds a stage duration into the rolling average for that stage.
func (t *tracker) recordStage(stage string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.latency[stage]
	if !ok {
		t.latency[stage] = d
		return
	}
	t.latency[stage] = time.Duration(float64(prev)*(1-latencyAlpha) + float64(d)*latencyAlpha)
}

// isDegraded reports whether violations within the sliding window have
// reached the threshold.
func (t *tracker) isDegraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inWin >= t.flipAt
}

// snapshot returns a copy of all counters.
func (t *tracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	lat := make(map[string]time.Duration, len(t.latency))
	for k, v := range t.latency {
		lat[k] = v
	}
	return Stats{
		Degraded:           t.inWin >= t.flipAt,
		ChunksIn:           t.in,
		ChunksDubbed:       t.dubbed,
		ChunksPassthrough:  t.passthrough,
		ChunksDegraded:     t.degraded,
		ChunksDropped:      t.dropped,
		DeadlineViolations: t.violations,
		StageLatency:       lat,
	}
}
