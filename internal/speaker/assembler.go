package speaker

// Utterance is a finished run of consecutive dubbed chunks attributed to one
// speaker, with the per-chunk transcripts joined in order. Subtitle-style
// observers consume utterances; the audio path never waits for one to close.
type Utterance struct {
	// SpeakerID is the speaker all segments were attributed to.
	SpeakerID string

	// FirstSeq and LastSeq bracket the chunk sequence numbers the utterance
	// covers.
	FirstSeq uint64
	LastSeq  uint64

	// Text is the joined source-language transcript, Translation the joined
	// dubbed text.
	Text        string
	Translation string
}

// Assembler groups consecutive same-speaker transcripts into utterances. A
// pending utterance is closed by a speaker change, a silence boundary
// (Flush), or reaching the segment cap.
//
// Assembler is not safe for concurrent use; the session's output consumer
// owns it exclusively.
type Assembler struct {
	maxSegments int
	pending     *Utterance
	segments    int
}

const defaultMaxSegments = 8

// NewAssembler creates an Assembler. maxSegments bounds utterance length so a
// monologue cannot grow one indefinitely; values below 1 fall back to the
// default of 8.
func NewAssembler(maxSegments int) *Assembler {
	if maxSegments < 1 {
		maxSegments = defaultMaxSegments
	}
	return &Assembler{maxSegments: maxSegments}
}

// Add appends one dubbed chunk's transcript. When the chunk starts a new
// speaker's turn, the previously pending utterance is returned closed; nil
// otherwise. A segment that fills the cap closes and returns the pending
// utterance immediately.
func (a *Assembler) Add(speakerID string, seq uint64, text, translation string) *Utterance {
	if a.pending != nil && a.pending.SpeakerID != speakerID {
		closed := a.pending
		a.pending = &Utterance{
			SpeakerID:   speakerID,
			FirstSeq:    seq,
			LastSeq:     seq,
			Text:        text,
			Translation: translation,
		}
		a.segments = 1
		return closed
	}

	if a.pending == nil {
		a.pending = &Utterance{SpeakerID: speakerID, FirstSeq: seq}
		a.segments = 0
	}
	a.pending.LastSeq = seq
	a.pending.Text = joinSegments(a.pending.Text, text)
	a.pending.Translation = joinSegments(a.pending.Translation, translation)
	a.segments++

	if a.segments >= a.maxSegments {
		closed := a.pending
		a.pending = nil
		a.segments = 0
		return closed
	}
	return nil
}

// Flush closes and returns the pending utterance, if any. Called on a
// silence boundary and at session stop.
func (a *Assembler) Flush() *Utterance {
	closed := a.pending
	a.pending = nil
	a.segments = 0
	return closed
}

// Pending reports how many segments are waiting in the open utterance.
func (a *Assembler) Pending() int {
	if a.pending == nil {
		return 0
	}
	return a.segments
}

func joinSegments(acc, next string) string {
	switch {
	case next == "":
		return acc
	case acc == "":
		return next
	default:
		return acc + " " + next
	}
}
