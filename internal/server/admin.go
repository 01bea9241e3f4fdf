package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/voxmirror/voxmirror/internal/registry"
)

// registerAdmin wires the REST surface over the registry and session stats.
func (s *Server) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/voices", s.listVoices)
	mux.HandleFunc("GET /v1/voices/{id}", s.getVoice)
	mux.HandleFunc("GET /v1/actors", s.listActors)
	mux.HandleFunc("POST /v1/actors", s.createActor)
	mux.HandleFunc("GET /v1/actors/{id}", s.getActor)
	mux.HandleFunc("GET /v1/speakers", s.listSpeakers)
	mux.HandleFunc("GET /v1/speakers/{id}", s.getSpeaker)
	mux.HandleFunc("GET /v1/speakers/{id}/events", s.listBindingEvents)
	mux.HandleFunc("POST /v1/bindings", s.createBinding)
	mux.HandleFunc("GET /v1/sessions", s.listSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.getSession)
}

// ─── Wire shapes ──────────────────────────────────────────────────────────────

type voiceJSON struct {
	ID            string    `json:"id"`
	EngineVoiceID string    `json:"engine_voice_id"`
	Name          string    `json:"name"`
	OwnerActorID  string    `json:"owner_actor_id,omitempty"`
	Quality       float64   `json:"quality,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type actorJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SpeakerIDs  []string  `json:"speaker_ids,omitempty"`
	VoiceIDs    []string  `json:"voice_ids,omitempty"`
	Appearances []string  `json:"appearances,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// speakerJSON deliberately omits the embedding vector; it is large and of no
// use to admin clients.
type speakerJSON struct {
	ID         string    `json:"id"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Sessions   int       `json:"sessions"`
	Dimensions int       `json:"dimensions"`
}

type bindingEventJSON struct {
	SpeakerID  string    `json:"speaker_id"`
	OldVoiceID string    `json:"old_voice_id,omitempty"`
	NewVoiceID string    `json:"new_voice_id"`
	At         time.Time `json:"at"`
}

type createActorRequest struct {
	Name       string   `json:"name"`
	SpeakerIDs []string `json:"speaker_ids,omitempty"`
}

type createBindingRequest struct {
	SpeakerID string `json:"speaker_id"`
	VoiceID   string `json:"voice_id"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func toVoiceJSON(v registry.VoiceClone) voiceJSON {
	return voiceJSON{
		ID:            v.ID,
		EngineVoiceID: v.EngineVoiceID,
		Name:          v.Name,
		OwnerActorID:  v.OwnerActorID,
		Quality:       v.Quality,
		CreatedAt:     v.CreatedAt,
	}
}

func toActorJSON(a registry.ActorProfile) actorJSON {
	return actorJSON{
		ID:          a.ID,
		Name:        a.Name,
		SpeakerIDs:  a.SpeakerIDs,
		VoiceIDs:    a.VoiceIDs,
		Appearances: a.Appearances,
		CreatedAt:   a.CreatedAt,
	}
}

func toSpeakerJSON(p registry.SpeakerProfile) speakerJSON {
	return speakerJSON{
		ID:         p.ID,
		Confidence: p.Confidence,
		FirstSeen:  p.FirstSeen,
		LastSeen:   p.LastSeen,
		Sessions:   p.Sessions,
		Dimensions: len(p.Embedding),
	}
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) listVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.deps.Store.ListVoices(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]voiceJSON, 0, len(voices))
	for _, v := range voices {
		out = append(out, toVoiceJSON(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getVoice(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Store.GetVoice(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoiceJSON(*v))
}

func (s *Server) listActors(w http.ResponseWriter, r *http.Request) {
	actors, err := s.deps.Store.ListActors(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]actorJSON, 0, len(actors))
	for _, a := range actors {
		out = append(out, toActorJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createActor(w http.ResponseWriter, r *http.Request) {
	var req createActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "malformed body: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "name is required"})
		return
	}

	actor, err := s.deps.Store.CreateActor(r.Context(), req.Name, req.SpeakerIDs)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.log.Info("actor created", "actor_id", actor.ID, "name", actor.Name)
	writeJSON(w, http.StatusCreated, toActorJSON(*actor))
}

func (s *Server) getActor(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetActor(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActorJSON(*a))
}

func (s *Server) listSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := s.deps.Store.ListSpeakers(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]speakerJSON, 0, len(speakers))
	for _, p := range speakers {
		out = append(out, toSpeakerJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSpeaker(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetSpeaker(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSpeakerJSON(*p))
}

func (s *Server) listBindingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.BindingEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]bindingEventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, bindingEventJSON{
			SpeakerID:  e.SpeakerID,
			OldVoiceID: e.OldVoiceID,
			NewVoiceID: e.NewVoiceID,
			At:         e.At,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// createBinding rebinds a speaker to a voice. This is the explicit manual
// override path; the registry records the audit event.
func (s *Server) createBinding(w http.ResponseWriter, r *http.Request) {
	var req createBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "malformed body: " + err.Error()})
		return
	}
	if req.SpeakerID == "" || req.VoiceID == "" {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "speaker_id and voice_id are required"})
		return
	}

	// The voice must exist before a speaker can be routed to it.
	if _, err := s.deps.Store.GetVoice(r.Context(), req.VoiceID); err != nil {
		s.storeError(w, err)
		return
	}

	prev, wasBound, _ := s.deps.Store.Lookup(r.Context(), req.SpeakerID)
	if err := s.deps.Store.Bind(r.Context(), req.SpeakerID, req.VoiceID); err != nil {
		s.storeError(w, err)
		return
	}
	if wasBound && prev != req.VoiceID {
		s.log.Info("speaker rebound", "speaker_id", req.SpeakerID, "old_voice_id", prev, "new_voice_id", req.VoiceID)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordBindingOverride(r.Context(), req.SpeakerID)
		}
	}

	s.ensureActorForSpeaker(r.Context(), req.SpeakerID, req.VoiceID, req.SpeakerID)

	writeJSON(w, http.StatusOK, bindingEventJSON{
		SpeakerID:  req.SpeakerID,
		OldVoiceID: prev,
		NewVoiceID: req.VoiceID,
		At:         time.Now(),
	})
}

// ensureActorForSpeaker backfills the actor side of a binding. A speaker
// bound to a voice without an owning actor gets one created implicitly, and
// the voice is stamped with the owner. Failures are logged, never surfaced:
// the binding itself already succeeded.
func (s *Server) ensureActorForSpeaker(ctx context.Context, speakerID, voiceID, actorName string) {
	store := s.deps.Store

	actors, err := store.ListActors(ctx)
	if err != nil {
		s.log.Warn("list actors failed, skipping implicit actor", "speaker_id", speakerID, "err", err)
		return
	}
	var actorID string
	for _, a := range actors {
		if slices.Contains(a.SpeakerIDs, speakerID) {
			actorID = a.ID
			break
		}
	}
	if actorID == "" {
		actor, err := store.CreateActor(ctx, actorName, []string{speakerID})
		if err != nil {
			s.log.Warn("implicit actor creation failed", "speaker_id", speakerID, "err", err)
			return
		}
		actorID = actor.ID
		s.log.Info("actor created implicitly", "actor_id", actorID, "speaker_id", speakerID)
	}

	v, err := store.GetVoice(ctx, voiceID)
	if err != nil {
		s.log.Warn("load voice for owner stamp failed", "voice_id", voiceID, "err", err)
		return
	}
	if v.OwnerActorID != actorID {
		v.OwnerActorID = actorID
		if err := store.PutVoice(ctx, *v); err != nil {
			s.log.Warn("stamp voice owner failed", "voice_id", voiceID, "err", err)
		}
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Sessions.List()
	out := make([]statsMsg, 0, len(stats))
	for _, st := range stats {
		out = append(out, statsFromSnapshot(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.deps.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorJSON{Error: "no such session"})
		return
	}
	writeJSON(w, http.StatusOK, statsFromSnapshot(orch.Stats()))
}

// storeError maps registry errors to HTTP responses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorJSON{Error: err.Error()})
		return
	}
	s.log.Error("registry request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorJSON{Error: "registry unavailable"})
}

// writeJSON encodes v with the given status. Encoding failures fall back to a
// plain 500, matching the health handler.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
