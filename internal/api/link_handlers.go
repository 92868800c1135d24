package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"motorlink/internal/ble"
)

// ========== Scan Handlers ==========

func (h *Handler) HandleScanStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.link.StartScan(); err != nil {
		jsonError(w, fmt.Sprintf("Failed to start scan: %v", err), linkErrorCode(err))
		return
	}

	h.LogEvent("scan", "scan started")
	writeJSON(w, map[string]string{"status": "scanning"})
}

func (h *Handler) HandleScanStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.link.StopScan(); err != nil {
		jsonError(w, fmt.Sprintf("Failed to stop scan: %v", err), linkErrorCode(err))
		return
	}

	h.LogEvent("scan", "scan stopped")
	writeJSON(w, map[string]string{"status": "stopped"})
}

func (h *Handler) HandlePeripherals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.link.Registry().Snapshot()
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].RSSI > snapshot[j].RSSI
	})

	resp := PeripheralsResponse{
		Scanning:    h.link.Status().Scanning,
		Peripherals: make([]PeripheralInfo, 0, len(snapshot)),
	}
	for _, p := range snapshot {
		resp.Peripherals = append(resp.Peripherals, peripheralInfo(p))
	}

	writeJSON(w, resp)
}

// ========== Connection Handlers ==========

func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	address := r.PathValue("address")
	if address == "" {
		jsonError(w, "Address required", http.StatusBadRequest)
		return
	}

	p, ok := h.link.Registry().Get(address)
	if !ok {
		jsonError(w, fmt.Sprintf("Peripheral %s has not been discovered", address), http.StatusNotFound)
		return
	}

	if err := h.link.Connect(p); err != nil {
		jsonError(w, fmt.Sprintf("Failed to connect: %v", err), linkErrorCode(err))
		return
	}

	h.LogEvent("link", "connecting to "+address)
	writeJSON(w, map[string]string{
		"status":  "connecting",
		"address": address,
	})
}

func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.link.Disconnect()
	h.LogEvent("link", "disconnected by operator")
	writeJSON(w, map[string]string{"status": "disconnected"})
}

func (h *Handler) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.link.Reconnect(); err != nil {
		jsonError(w, fmt.Sprintf("Failed to start reconnect: %v", err), linkErrorCode(err))
		return
	}

	writeJSON(w, map[string]string{
		"status":    "reconnecting",
		"device_id": ble.FormatDeviceID(h.link.TargetDeviceID()),
	})
}

// ========== Motor Handlers ==========

func decodeMotorValue(w http.ResponseWriter, r *http.Request) (int32, bool) {
	var req MotorValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return 0, false
	}
	return req.Value, true
}

func (h *Handler) motorResult(w http.ResponseWriter, command string, err error) {
	if err != nil {
		jsonError(w, fmt.Sprintf("Failed to queue %s: %v", command, err), linkErrorCode(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "queued",
		"command": command,
	})
}

func (h *Handler) HandleMotorSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rpm, ok := decodeMotorValue(w, r)
	if !ok {
		return
	}
	h.motorResult(w, fmt.Sprintf("speed %d", rpm), h.link.SetSpeed(rpm))
}

func (h *Handler) HandleMotorPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	degrees, ok := decodeMotorValue(w, r)
	if !ok {
		return
	}
	h.motorResult(w, fmt.Sprintf("position %d", degrees), h.link.SetPosition(degrees))
}

func (h *Handler) HandleMotorCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.motorResult(w, "calibrate", h.link.Calibrate())
}

func (h *Handler) HandleMotorShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.motorResult(w, "shutdown", h.link.Shutdown())
}
