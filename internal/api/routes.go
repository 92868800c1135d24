package api

import "net/http"

// Register mounts every endpoint on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.HandleConfigGet(w, r)
		case http.MethodPut:
			h.HandleConfigUpdate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/debug", h.HandleDebugMode)
	mux.HandleFunc("/api/events", h.HandleEvents)

	mux.HandleFunc("/api/scan/start", h.HandleScanStart)
	mux.HandleFunc("/api/scan/stop", h.HandleScanStop)
	mux.HandleFunc("/api/peripherals", h.HandlePeripherals)
	mux.HandleFunc("/api/connect/{address}", h.HandleConnect)
	mux.HandleFunc("/api/disconnect", h.HandleDisconnect)
	mux.HandleFunc("/api/reconnect", h.HandleReconnect)

	mux.HandleFunc("/api/motor/speed", h.HandleMotorSpeed)
	mux.HandleFunc("/api/motor/position", h.HandleMotorPosition)
	mux.HandleFunc("/api/motor/calibrate", h.HandleMotorCalibrate)
	mux.HandleFunc("/api/motor/shutdown", h.HandleMotorShutdown)

	mux.HandleFunc("/api/telemetry", h.HandleTelemetry)
	mux.HandleFunc("/api/telemetry/sessions", h.HandleSessions)
	mux.HandleFunc("/api/telemetry/sessions/{id}", h.HandleSessionSamples)

	mux.HandleFunc("/ws", h.HandleWebSocket)
}
