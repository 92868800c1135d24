package api

import (
	"net/http"

	"motorlink/internal/history"
	"motorlink/internal/stats"
)

type TelemetryResponse struct {
	Latest  *stats.DataPoint  `json:"latest,omitempty"`
	History []stats.DataPoint `json:"history"`
}

type SessionsResponse struct {
	Enabled  bool              `json:"enabled"`
	Sessions []history.Session `json:"sessions"`
}

type SamplesResponse struct {
	SessionID string           `json:"session_id"`
	Samples   []history.Sample `json:"samples"`
}

// HandleTelemetry returns the in-memory ring of recent samples
func (h *Handler) HandleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := TelemetryResponse{History: h.stats.History()}
	if latest, ok := h.stats.Latest(); ok {
		resp.Latest = &latest
	}
	if resp.History == nil {
		resp.History = []stats.DataPoint{}
	}
	writeJSON(w, resp)
}

func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.history == nil {
		writeJSON(w, SessionsResponse{Enabled: false, Sessions: []history.Session{}})
		return
	}

	sessions, err := h.history.Sessions(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []history.Session{}
	}
	writeJSON(w, SessionsResponse{Enabled: true, Sessions: sessions})
}

func (h *Handler) HandleSessionSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.history == nil {
		jsonError(w, "Telemetry history is disabled", http.StatusNotFound)
		return
	}

	id := r.PathValue("id")
	samples, err := h.history.Samples(r.Context(), id, queryInt(r, "limit", 600))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []history.Sample{}
	}
	writeJSON(w, SamplesResponse{SessionID: id, Samples: samples})
}
