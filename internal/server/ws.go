package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxmirror/voxmirror/internal/registry"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/internal/speaker"
	"github.com/voxmirror/voxmirror/pkg/audio"
	"github.com/voxmirror/voxmirror/pkg/audio/opusdec"
	"github.com/voxmirror/voxmirror/pkg/provider/synthesis"
)

const (
	// maxMessageBytes caps a single WebSocket message. Voice-clone samples
	// are the largest payload; base64-encoded reference recordings run to a
	// few megabytes each.
	maxMessageBytes = 16 << 20

	// cloneTimeout bounds one voice-clone round trip to the synthesis
	// backend.
	cloneTimeout = 60 * time.Second

	// stopTimeout bounds the session drain when the client disconnects
	// without a stop_dubbing message.
	stopTimeout = 5 * time.Second
)

// ─── Client messages ──────────────────────────────────────────────────────────

type clientEnvelope struct {
	Type string `json:"type"`
}

type startDubbingMsg struct {
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language,omitempty"`
	PreserveVoice  bool   `json:"preserve_voice"`
}

type audioChunkMsg struct {
	// Data is base64-encoded audio: raw 16-bit little-endian PCM, or one
	// Opus frame when Encoding is "opus".
	Data []byte `json:"data"`

	// Encoding is "pcm" (default) or "opus".
	Encoding string `json:"encoding,omitempty"`

	SampleRate int `json:"sample_rate"`
	// Timestamp is milliseconds since the Unix epoch, assigned by the
	// capture client.
	Timestamp int64  `json:"timestamp"`
	Seq       uint64 `json:"seq"`
}

type createVoiceCloneMsg struct {
	SpeakerID    string   `json:"speaker_id"`
	Name         string   `json:"name,omitempty"`
	AudioSamples [][]byte `json:"audio_samples"`
}

// ─── Server messages ──────────────────────────────────────────────────────────

type dubbedAudioMsg struct {
	Type        string `json:"type"`
	AudioData   []byte `json:"audio_data"`
	Seq         uint64 `json:"seq"`
	SpeakerID   string `json:"speaker_id,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	SampleRate  int    `json:"sample_rate"`
	Passthrough bool   `json:"passthrough,omitempty"`
	Degraded    bool   `json:"degraded,omitempty"`
}

type translationMsg struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	OriginalText   string `json:"original_text"`
	SpeakerID      string `json:"speaker_id,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`
	Seq            uint64 `json:"seq"`
}

type statsMsg struct {
	Type               string             `json:"type"`
	SessionID          string             `json:"session_id"`
	State              string             `json:"state"`
	Degraded           bool               `json:"degraded"`
	ChunksIn           uint64             `json:"chunks_in"`
	ChunksDubbed       uint64             `json:"chunks_dubbed"`
	ChunksPassthrough  uint64             `json:"chunks_passthrough"`
	ChunksDegraded     uint64             `json:"chunks_degraded"`
	ChunksDropped      uint64             `json:"chunks_dropped"`
	DeadlineViolations uint64             `json:"deadline_violations"`
	StageLatencyMS     map[string]float64 `json:"stage_latency_ms,omitempty"`
	ActiveSpeakers     []string           `json:"active_speakers,omitempty"`
}

// utteranceMsg groups the translations of one speaker's turn: consecutive
// same-speaker chunks merged into a single subtitle-ready unit.
type utteranceMsg struct {
	Type        string `json:"type"`
	SpeakerID   string `json:"speaker_id"`
	Text        string `json:"text"`
	Translation string `json:"translation"`
	FirstSeq    uint64 `json:"first_seq"`
	LastSeq     uint64 `json:"last_seq"`
}

type voiceClonedMsg struct {
	Type      string `json:"type"`
	VoiceID   string `json:"voice_id"`
	SpeakerID string `json:"speaker_id"`
	Name      string `json:"name"`
}

type errorMsg struct {
	Type        string `json:"type"`
	Stage       string `json:"stage,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// wsConn is one client connection. The read loop owns the session lifecycle;
// the output pump goroutine only consumes the orchestrator's output channel.
// Writes to the socket are serialized through writeMu because both goroutines
// send.
type wsConn struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	// Owned by the read loop.
	sessionID string
	orch      *session.Orchestrator
	pumpDone  chan struct{}

	// opus decodes compressed chunks; created on first opus chunk and kept
	// for the connection since Opus carries inter-frame state.
	opus *opusdec.Decoder
}

// handleWS upgrades the connection and serves the dubbing protocol until the
// client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	wc := &wsConn{
		srv:  s,
		conn: conn,
		log:  s.log.With("remote", r.RemoteAddr),
	}
	wc.serve(r.Context())
}

func (wc *wsConn) serve(ctx context.Context) {
	defer wc.conn.CloseNow()
	wc.log.Debug("client connected")

	for {
		_, data, err := wc.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				wc.log.Warn("client read failed", "err", err)
			}
			break
		}
		wc.dispatch(ctx, data)
	}

	// The client may vanish mid-session; drain what is in flight so the
	// stats and registry writes land.
	if wc.orch != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		wc.stopSession(stopCtx)
		cancel()
	}
	wc.conn.Close(websocket.StatusNormalClosure, "session closed")
	wc.log.Debug("client disconnected")
}

func (wc *wsConn) dispatch(ctx context.Context, data []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		wc.sendError(ctx, "", fmt.Sprintf("malformed message: %v", err), true)
		return
	}

	switch env.Type {
	case "start_dubbing":
		wc.handleStart(ctx, data)
	case "audio_chunk":
		wc.handleChunk(ctx, data)
	case "stop_dubbing":
		wc.handleStop(ctx)
	case "create_voice_clone":
		wc.handleClone(ctx, data)
	case "get_session_info":
		wc.handleSessionInfo(ctx)
	default:
		wc.sendError(ctx, "", fmt.Sprintf("unknown message type %q", env.Type), true)
	}
}

func (wc *wsConn) handleStart(ctx context.Context, data []byte) {
	var msg startDubbingMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		wc.sendError(ctx, "", fmt.Sprintf("malformed start_dubbing: %v", err), true)
		return
	}
	if wc.orch != nil {
		wc.sendError(ctx, "", "session already started on this connection", true)
		return
	}
	if msg.TargetLanguage == "" {
		wc.sendError(ctx, "", "start_dubbing requires target_language", true)
		return
	}

	cfg := wc.srv.cfg.Session
	cfg.SessionID = "sess_" + uuid.NewString()
	cfg.TargetLanguage = msg.TargetLanguage
	cfg.SourceLanguage = msg.SourceLanguage
	cfg.PreserveVoice = msg.PreserveVoice

	orch, err := wc.srv.deps.Sessions.Create(ctx, cfg)
	if err != nil {
		wc.sendError(ctx, "", fmt.Sprintf("create session: %v", err), false)
		return
	}

	wc.sessionID = cfg.SessionID
	wc.orch = orch
	wc.pumpDone = make(chan struct{})
	go wc.pump(orch)

	wc.log = wc.log.With("session_id", cfg.SessionID)
	wc.log.Info("dubbing started",
		"target_language", cfg.TargetLanguage,
		"preserve_voice", cfg.PreserveVoice,
	)
	wc.send(ctx, statsFromSnapshot(orch.Stats()))
}

func (wc *wsConn) handleChunk(ctx context.Context, data []byte) {
	if wc.orch == nil {
		wc.sendError(ctx, "ingest", "no active session, send start_dubbing first", true)
		return
	}
	var msg audioChunkMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		wc.sendError(ctx, "ingest", fmt.Sprintf("malformed audio_chunk: %v", err), true)
		return
	}

	cfg := wc.orch.Config()
	rate := msg.SampleRate
	if rate == 0 {
		rate = cfg.SampleRate
	}

	pcm := msg.Data
	if msg.Encoding == "opus" {
		if wc.opus == nil {
			dec, err := opusdec.NewDecoder(cfg.SampleRate, cfg.Channels)
			if err != nil {
				wc.sendError(ctx, "ingest", err.Error(), true)
				return
			}
			wc.opus = dec
		}
		decoded, err := wc.opus.Decode(msg.Data)
		if err != nil {
			wc.sendError(ctx, "ingest", err.Error(), true)
			return
		}
		pcm = decoded
		rate = cfg.SampleRate
	}

	chunk := audio.Chunk{
		Data:       pcm,
		SampleRate: rate,
		Channels:   cfg.Channels,
		Timestamp:  time.UnixMilli(msg.Timestamp),
		Seq:        msg.Seq,
	}

	if err := wc.orch.Submit(chunk); err != nil {
		// Invalid or dropped chunks never end the session; the client just
		// hears about them.
		recoverable := !errors.Is(err, session.ErrNotCapturing)
		wc.sendError(ctx, "ingest", err.Error(), recoverable)
	}
}

func (wc *wsConn) handleStop(ctx context.Context) {
	if wc.orch == nil {
		wc.sendError(ctx, "", "no active session", true)
		return
	}

	orch := wc.orch
	wc.stopSession(ctx)
	wc.log.Info("dubbing stopped")

	// Final counters, including everything drained during stop.
	wc.send(ctx, statsFromSnapshot(orch.Stats()))
}

func (wc *wsConn) handleClone(ctx context.Context, data []byte) {
	var msg createVoiceCloneMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		wc.sendError(ctx, "clone", fmt.Sprintf("malformed create_voice_clone: %v", err), true)
		return
	}
	if msg.SpeakerID == "" {
		wc.sendError(ctx, "clone", "create_voice_clone requires speaker_id", true)
		return
	}
	if len(msg.AudioSamples) == 0 {
		wc.sendError(ctx, "clone", "create_voice_clone requires audio_samples", true)
		return
	}

	name := msg.Name
	if name == "" {
		name = "clone of " + msg.SpeakerID
	}

	cloneCtx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	voice, err := wc.srv.deps.Synthesizer.CloneVoice(cloneCtx, name, msg.AudioSamples)
	if err != nil {
		wc.sendError(ctx, "clone", fmt.Sprintf("clone voice: %v", err), true)
		return
	}

	clone := registry.VoiceClone{
		ID:            "voice_" + uuid.NewString(),
		EngineVoiceID: voice.ID,
		Name:          name,
		Settings:      synthesis.DefaultSettings(),
		CreatedAt:     time.Now(),
	}
	store := wc.srv.deps.Store
	if err := store.PutVoice(cloneCtx, clone); err != nil {
		wc.sendError(ctx, "clone", fmt.Sprintf("store voice: %v", err), true)
		return
	}

	// A fresh clone binds its speaker immediately; rebinding away from a
	// previously bound voice is counted as an override.
	prev, wasBound, _ := store.Lookup(cloneCtx, msg.SpeakerID)
	if err := store.Bind(cloneCtx, msg.SpeakerID, clone.ID); err != nil {
		wc.sendError(ctx, "clone", fmt.Sprintf("bind voice: %v", err), true)
		return
	}
	if wasBound && prev != clone.ID && wc.srv.deps.Metrics != nil {
		wc.srv.deps.Metrics.RecordBindingOverride(ctx, msg.SpeakerID)
	}
	// A first binding also mints the speaker's actor, so the clone has an
	// owner without an explicit actor-creation call.
	wc.srv.ensureActorForSpeaker(cloneCtx, msg.SpeakerID, clone.ID, name)

	wc.log.Info("voice cloned",
		"speaker_id", msg.SpeakerID,
		"voice_id", clone.ID,
		"engine_voice_id", voice.ID,
	)
	wc.send(ctx, voiceClonedMsg{
		Type:      "voice_cloned",
		VoiceID:   clone.ID,
		SpeakerID: msg.SpeakerID,
		Name:      name,
	})
}

func (wc *wsConn) handleSessionInfo(ctx context.Context) {
	if wc.orch == nil {
		wc.sendError(ctx, "", "no active session", true)
		return
	}
	wc.send(ctx, statsFromSnapshot(wc.orch.Stats()))
}

// pump forwards pipeline output to the client until the session stops.
// Writes use the connection's lifetime rather than a per-message deadline;
// a stuck client eventually fails the write and the pump drains the rest.
func (wc *wsConn) pump(orch *session.Orchestrator) {
	defer close(wc.pumpDone)
	ctx := context.Background()
	asm := speaker.NewAssembler(0)
	degraded := false

	for oc := range orch.Output() {
		wc.send(ctx, dubbedAudioMsg{
			Type:        "dubbed_audio",
			AudioData:   oc.PCM,
			Seq:         oc.Seq,
			SpeakerID:   oc.SpeakerID,
			Timestamp:   oc.Timestamp.UnixMilli(),
			SampleRate:  oc.SampleRate,
			Passthrough: oc.Passthrough,
			Degraded:    oc.Degraded,
		})
		if oc.Translation != "" {
			wc.send(ctx, translationMsg{
				Type:           "translation",
				Text:           oc.Translation,
				OriginalText:   oc.Text,
				SpeakerID:      oc.SpeakerID,
				SourceLanguage: oc.SourceLang,
				Seq:            oc.Seq,
			})
		}
		if oc.Degraded {
			wc.sendError(ctx, oc.FailedStage,
				fmt.Sprintf("chunk %d degraded to passthrough", oc.Seq), true)
		}

		// Utterance boundaries: silence and degradation flush, a speaker
		// change or full utterance closes.
		if oc.Passthrough {
			wc.sendUtterance(ctx, asm.Flush())
		} else {
			wc.sendUtterance(ctx, asm.Add(oc.SpeakerID, oc.Seq, oc.Text, oc.Translation))
		}

		// Push a stats snapshot whenever the sliding-window detector flips,
		// so the client learns about sustained degradation without polling.
		if st := orch.Stats(); st.Degraded != degraded {
			degraded = st.Degraded
			wc.send(ctx, statsFromSnapshot(st))
		}
	}
	wc.sendUtterance(ctx, asm.Flush())
}

func (wc *wsConn) sendUtterance(ctx context.Context, u *speaker.Utterance) {
	if u == nil || (u.Text == "" && u.Translation == "") {
		return
	}
	wc.send(ctx, utteranceMsg{
		Type:        "utterance",
		SpeakerID:   u.SpeakerID,
		Text:        u.Text,
		Translation: u.Translation,
		FirstSeq:    u.FirstSeq,
		LastSeq:     u.LastSeq,
	})
}

// stopSession stops the orchestrator through the manager and waits for the
// output pump to flush the drained chunks.
func (wc *wsConn) stopSession(ctx context.Context) {
	if err := wc.srv.deps.Sessions.Stop(ctx, wc.sessionID); err != nil {
		wc.log.Warn("session stop failed", "err", err)
	}
	<-wc.pumpDone
	wc.orch = nil
	wc.pumpDone = nil
}

func (wc *wsConn) send(ctx context.Context, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		wc.log.Error("marshal server message", "err", err)
		return
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := wc.conn.Write(ctx, websocket.MessageText, data); err != nil {
		wc.log.Debug("write to client failed", "err", err)
	}
}

func (wc *wsConn) sendError(ctx context.Context, stage, message string, recoverable bool) {
	wc.send(ctx, errorMsg{
		Type:        "error",
		Stage:       stage,
		Message:     message,
		Recoverable: recoverable,
	})
}

// statsFromSnapshot converts a session stats snapshot to the wire shape.
func statsFromSnapshot(s session.Stats) statsMsg {
	var lat map[string]float64
	if len(s.StageLatency) > 0 {
		lat = make(map[string]float64, len(s.StageLatency))
		for stage, d := range s.StageLatency {
			lat[stage] = float64(d) / float64(time.Millisecond)
		}
	}
	return statsMsg{
		Type:               "stats",
		SessionID:          s.SessionID,
		State:              s.State,
		Degraded:           s.Degraded,
		ChunksIn:           s.ChunksIn,
		ChunksDubbed:       s.ChunksDubbed,
		ChunksPassthrough:  s.ChunksPassthrough,
		ChunksDegraded:     s.ChunksDegraded,
		ChunksDropped:      s.ChunksDropped,
		DeadlineViolations: s.DeadlineViolations,
		StageLatencyMS:     lat,
		ActiveSpeakers:     s.ActiveSpeakers,
	}
}
