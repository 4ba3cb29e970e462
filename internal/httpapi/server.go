package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/manasdhir/voicelink/internal/capture"
	"github.com/manasdhir/voicelink/internal/config"
	"github.com/manasdhir/voicelink/internal/observability"
	"github.com/manasdhir/voicelink/internal/session"
	"github.com/manasdhir/voicelink/internal/transcript"
)

// Server exposes the local control surface for the voice client: session
// and microphone toggles, language switching, status and latency
// introspection, and Prometheus metrics.
type Server struct {
	cfg        config.Config
	controller *session.Controller
	store      transcript.Store
	stages     *observability.StageWindow
}

func New(cfg config.Config, controller *session.Controller, store transcript.Store, stages *observability.StageWindow) *Server {
	return &Server{
		cfg:        cfg,
		controller: controller,
		store:      store,
		stages:     stages,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/status", s.handleStatus)
	r.Post("/v1/voice/session/toggle", s.handleToggleSession)
	r.Post("/v1/voice/mic/toggle", s.handleToggleMic)
	r.Post("/v1/voice/language", s.handleSetLanguage)
	r.Get("/v1/voice/latency", s.handleLatency)
	r.Get("/v1/voice/transcript/{sessionID}", s.handleTranscript)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

func (s *Server) handleToggleSession(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ToggleSession(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "session_toggle_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

func (s *Server) handleToggleMic(w http.ResponseWriter, r *http.Request) {
	err := s.controller.ToggleMicrophone(r.Context())
	switch {
	case errors.Is(err, session.ErrSessionNotReady):
		respondError(w, http.StatusConflict, "session_not_ready", err.Error())
		return
	case errors.Is(err, capture.ErrDeviceUnavailable):
		respondError(w, http.StatusServiceUnavailable, "device_unavailable", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "mic_toggle_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

type setLanguageRequest struct {
	Language string `json:"language"`
}

func (s *Server) handleSetLanguage(w http.ResponseWriter, r *http.Request) {
	var req setLanguageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := s.controller.SetLanguage(r.Context(), req.Language); err != nil {
		if errors.Is(err, session.ErrUnsupportedLanguage) {
			respondError(w, http.StatusBadRequest, "unsupported_language", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "language_change_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.controller.Status(r.Context()))
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "missing session id")
		return
	}
	lines, err := s.store.SessionLines(r.Context(), sessionID, 200)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_failed", err.Error())
		return
	}
	if lines == nil {
		lines = []transcript.Line{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"lines":      lines,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
