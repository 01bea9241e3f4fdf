package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxmirror/voxmirror/internal/server"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/pkg/provider/recognition"
)

// loudPCM is 20ms of audible mono 16kHz audio (constant sample 8000, well
// above the default noise floor).
func loudPCM() []byte {
	data := make([]byte, 640)
	for i := 0; i < len(data); i += 2 {
		data[i] = 0x40
		data[i+1] = 0x1f
	}
	return data
}

func dialWS(t *testing.T, ts *testServer) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	conn.SetReadLimit(1 << 22)
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func sendMsg(t *testing.T, ctx context.Context, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads server messages, skipping types other than want.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", want, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal server message: %v", err)
		}
		if msg["type"] == want {
			return msg
		}
	}
}

func TestWSDubbingRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{
		"type":            "start_dubbing",
		"target_language": "de",
	})
	stats := readUntil(t, ctx, conn, "stats")
	sessionID, _ := stats["session_id"].(string)
	if sessionID == "" || stats["state"] != "capturing" {
		t.Fatalf("start stats = %v", stats)
	}

	sendMsg(t, ctx, conn, map[string]any{
		"type":        "audio_chunk",
		"data":        loudPCM(),
		"sample_rate": 16000,
		"timestamp":   time.Now().UnixMilli(),
		"seq":         1,
	})

	dubbed := readUntil(t, ctx, conn, "dubbed_audio")
	if dubbed["seq"] != float64(1) {
		t.Errorf("dubbed seq = %v", dubbed["seq"])
	}
	if audio, _ := dubbed["audio_data"].(string); audio == "" {
		t.Error("dubbed audio_data is empty")
	}
	if dubbed["passthrough"] == true {
		t.Error("audible chunk must be dubbed, not passed through")
	}
	if sp, _ := dubbed["speaker_id"].(string); sp == "" {
		t.Error("dubbed chunk missing speaker_id")
	}

	tr := readUntil(t, ctx, conn, "translation")
	if tr["text"] != "[de] hello there" || tr["original_text"] != "hello there" {
		t.Errorf("translation = %v", tr)
	}
	if tr["seq"] != float64(1) {
		t.Errorf("translation seq = %v", tr["seq"])
	}

	sendMsg(t, ctx, conn, map[string]any{"type": "stop_dubbing"})
	final := readUntil(t, ctx, conn, "stats")
	if final["state"] != "idle" {
		t.Errorf("final state = %v", final["state"])
	}
	if final["chunks_dubbed"] != float64(1) {
		t.Errorf("chunks_dubbed = %v", final["chunks_dubbed"])
	}

	if n := ts.sessions.Len(); n != 0 {
		t.Errorf("manager still holds %d sessions after stop", n)
	}
}

func TestWSSilentChunkPassesThrough(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{
		"type":            "start_dubbing",
		"target_language": "de",
	})
	readUntil(t, ctx, conn, "stats")

	sendMsg(t, ctx, conn, map[string]any{
		"type":        "audio_chunk",
		"data":        make([]byte, 640),
		"sample_rate": 16000,
		"timestamp":   time.Now().UnixMilli(),
		"seq":         1,
	})

	dubbed := readUntil(t, ctx, conn, "dubbed_audio")
	if dubbed["passthrough"] != true {
		t.Errorf("silent chunk should pass through: %v", dubbed)
	}
}

func TestWSChunkBeforeStartRejected(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{
		"type":        "audio_chunk",
		"data":        loudPCM(),
		"sample_rate": 16000,
		"seq":         1,
	})

	msg := readUntil(t, ctx, conn, "error")
	if msg["recoverable"] != true || msg["stage"] != "ingest" {
		t.Errorf("error = %v", msg)
	}
}

func TestWSStartTwiceRejected(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{"type": "start_dubbing", "target_language": "de"})
	readUntil(t, ctx, conn, "stats")

	sendMsg(t, ctx, conn, map[string]any{"type": "start_dubbing", "target_language": "fr"})
	msg := readUntil(t, ctx, conn, "error")
	if !strings.Contains(msg["message"].(string), "already started") {
		t.Errorf("error = %v", msg)
	}
}

func TestWSCreateVoiceClone(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{
		"type":          "create_voice_clone",
		"speaker_id":    "speaker_1",
		"name":          "Markus",
		"audio_samples": [][]byte{loudPCM()},
	})

	msg := readUntil(t, ctx, conn, "voice_cloned")
	voiceID, _ := msg["voice_id"].(string)
	if voiceID == "" || msg["speaker_id"] != "speaker_1" {
		t.Fatalf("voice_cloned = %v", msg)
	}

	boundID, ok, err := ts.store.Lookup(context.Background(), "speaker_1")
	if err != nil || !ok || boundID != voiceID {
		t.Errorf("Lookup = %q, %v, %v; want %q", boundID, ok, err, voiceID)
	}
	v, err := ts.store.GetVoice(context.Background(), voiceID)
	if err != nil {
		t.Fatalf("GetVoice: %v", err)
	}
	if v.EngineVoiceID == "" || v.Name != "Markus" {
		t.Errorf("stored voice = %+v", v)
	}
}

func TestWSCloneMintsActorImplicitly(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{
		"type":          "create_voice_clone",
		"speaker_id":    "speaker_1",
		"name":          "Markus",
		"audio_samples": [][]byte{loudPCM()},
	})
	msg := readUntil(t, ctx, conn, "voice_cloned")
	voiceID, _ := msg["voice_id"].(string)

	// Binding a speaker for the first time creates their actor and stamps
	// the clone with the owner.
	actors, err := ts.store.ListActors(context.Background())
	if err != nil || len(actors) != 1 {
		t.Fatalf("ListActors = %v, %v; want one implicit actor", actors, err)
	}
	if actors[0].Name != "Markus" {
		t.Errorf("actor name = %q, want Markus", actors[0].Name)
	}
	if len(actors[0].SpeakerIDs) != 1 || actors[0].SpeakerIDs[0] != "speaker_1" {
		t.Errorf("actor speakers = %v", actors[0].SpeakerIDs)
	}
	v, err := ts.store.GetVoice(context.Background(), voiceID)
	if err != nil || v.OwnerActorID != actors[0].ID {
		t.Errorf("voice owner = %q, %v; want %q", v.OwnerActorID, err, actors[0].ID)
	}
}

func TestWSCloneWithoutSamplesRejected(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{
		"type":       "create_voice_clone",
		"speaker_id": "speaker_1",
	})
	msg := readUntil(t, ctx, conn, "error")
	if !strings.Contains(msg["message"].(string), "audio_samples") {
		t.Errorf("error = %v", msg)
	}
}

func TestWSSessionInfo(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{"type": "get_session_info"})
	if msg := readUntil(t, ctx, conn, "error"); msg["message"] != "no active session" {
		t.Errorf("error = %v", msg)
	}

	sendMsg(t, ctx, conn, map[string]any{"type": "start_dubbing", "target_language": "de"})
	readUntil(t, ctx, conn, "stats")

	sendMsg(t, ctx, conn, map[string]any{"type": "get_session_info"})
	info := readUntil(t, ctx, conn, "stats")
	if info["state"] != "capturing" {
		t.Errorf("session info = %v", info)
	}
}

func TestWSUnknownTypeRejected(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{"type": "dance"})
	msg := readUntil(t, ctx, conn, "error")
	if !strings.Contains(msg["message"].(string), "dance") {
		t.Errorf("error = %v", msg)
	}
}

func TestWSStageFailureEmitsError(t *testing.T) {
	ts := newTestServer(t)
	ts.rec.RecognizeFunc = func(_ context.Context, _ recognition.Request) (*recognition.Result, error) {
		return nil, recognition.NewPermanentError("recognize", errors.New("model crashed"))
	}
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{"type": "start_dubbing", "target_language": "de"})
	readUntil(t, ctx, conn, "stats")

	sendMsg(t, ctx, conn, map[string]any{
		"type":        "audio_chunk",
		"data":        loudPCM(),
		"sample_rate": 16000,
		"timestamp":   time.Now().UnixMilli(),
		"seq":         1,
	})

	dubbed := readUntil(t, ctx, conn, "dubbed_audio")
	if dubbed["degraded"] != true || dubbed["passthrough"] != true {
		t.Errorf("dubbed = %v, want degraded passthrough", dubbed)
	}

	// The client hears which stage dropped the ball, and that the session
	// itself survives.
	msg := readUntil(t, ctx, conn, "error")
	if msg["stage"] != "recognize" {
		t.Errorf("error stage = %v, want recognize", msg["stage"])
	}
	if msg["recoverable"] != true {
		t.Errorf("error = %v, want recoverable", msg)
	}
}

func TestWSUtteranceAggregation(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{"type": "start_dubbing", "target_language": "de"})
	readUntil(t, ctx, conn, "stats")

	// Identical audio keeps the same speaker, so both chunks land in one
	// utterance, closed by the stop.
	for seq := 1; seq <= 2; seq++ {
		sendMsg(t, ctx, conn, map[string]any{
			"type":        "audio_chunk",
			"data":        loudPCM(),
			"sample_rate": 16000,
			"timestamp":   time.Now().UnixMilli(),
			"seq":         seq,
		})
	}
	sendMsg(t, ctx, conn, map[string]any{"type": "stop_dubbing"})

	utt := readUntil(t, ctx, conn, "utterance")
	if utt["first_seq"] != float64(1) || utt["last_seq"] != float64(2) {
		t.Errorf("utterance seq range = %v..%v", utt["first_seq"], utt["last_seq"])
	}
	if utt["text"] != "hello there hello there" {
		t.Errorf("utterance text = %v", utt["text"])
	}
	if utt["translation"] != "[de] hello there [de] hello there" {
		t.Errorf("utterance translation = %v", utt["translation"])
	}
	if sp, _ := utt["speaker_id"].(string); sp == "" {
		t.Error("utterance missing speaker_id")
	}
}

func TestWSDegradedStatusPushed(t *testing.T) {
	ts := newTestServerCfg(t, server.Config{Session: session.Config{
		Deadlines: session.Deadlines{
			Identify:   500 * time.Millisecond,
			Recognize:  time.Nanosecond,
			Translate:  500 * time.Millisecond,
			Synthesize: 500 * time.Millisecond,
			Total:      5 * time.Second,
		},
		DegradedWindow:    5,
		DegradedThreshold: 2,
	}})
	ts.rec.RecognizeFunc = func(_ context.Context, _ recognition.Request) (*recognition.Result, error) {
		time.Sleep(time.Millisecond)
		return &recognition.Result{}, nil
	}
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{"type": "start_dubbing", "target_language": "de"})
	readUntil(t, ctx, conn, "stats")

	for seq := 1; seq <= 3; seq++ {
		sendMsg(t, ctx, conn, map[string]any{
			"type":        "audio_chunk",
			"data":        loudPCM(),
			"sample_rate": 16000,
			"timestamp":   time.Now().UnixMilli(),
			"seq":         seq,
		})
	}

	// The sustained violations flip the detector; the server pushes a stats
	// snapshot unprompted.
	for {
		stats := readUntil(t, ctx, conn, "stats")
		if stats["degraded"] == true {
			break
		}
	}
}

func TestWSDisconnectStopsSession(t *testing.T) {
	ts := newTestServer(t)
	conn, ctx := dialWS(t, ts)

	sendMsg(t, ctx, conn, map[string]any{"type": "start_dubbing", "target_language": "de"})
	readUntil(t, ctx, conn, "stats")
	if ts.sessions.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", ts.sessions.Len())
	}

	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for ts.sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not cleaned up after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
