package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"motorlink/internal/ble"
	"motorlink/internal/config"
	"motorlink/internal/history"
	"motorlink/internal/logger"
	"motorlink/internal/motor"
	"motorlink/internal/stats"
	"motorlink/internal/version"
)

type Handler struct {
	config     *config.Manager
	link       *ble.Manager
	stats      *stats.Collector
	events     *stats.EventLog
	history    *history.Store
	wsHub      *Hub
	startTime  time.Time
	appVersion string
}

func NewHandler(cfg *config.Manager, link *ble.Manager, st *stats.Collector, ev *stats.EventLog, hub *Hub) *Handler {
	return &Handler{
		config:    cfg,
		link:      link,
		stats:     st,
		events:    ev,
		wsHub:     hub,
		startTime: time.Now(),
	}
}

// ========== Types ==========

type StatusResponse struct {
	Uptime    int64             `json:"uptime"`
	Version   string            `json:"version"`
	Build     version.BuildInfo `json:"build"`
	Link      ble.Status        `json:"link"`
	Telemetry *TelemetryInfo    `json:"telemetry,omitempty"`
	History   []stats.DataPoint `json:"history"`
}

type TelemetryInfo struct {
	Status      uint8 `json:"status"`
	State       uint8 `json:"state"`
	RPM         int32 `json:"rpm"`
	Angle       int32 `json:"angle"`
	SyncWarning bool  `json:"sync_warning"`
	Overheat    bool  `json:"overheat"`
}

type PeripheralInfo struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	RSSI        int       `json:"rssi"`
	DeviceID    string    `json:"device_id,omitempty"`
	Connectable bool      `json:"connectable"`
	LastSeen    time.Time `json:"last_seen"`
}

type PeripheralsResponse struct {
	Scanning    bool             `json:"scanning"`
	Peripherals []PeripheralInfo `json:"peripherals"`
}

type ReconnectInfo struct {
	Result    ble.ReconnectResult `json:"result"`
	DeviceID  string              `json:"device_id"`
	Address   string              `json:"address,omitempty"`
	ElapsedMS int64               `json:"elapsed_ms"`
	Error     string              `json:"error,omitempty"`
}

type CommandResultInfo struct {
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

type MotorValueRequest struct {
	Value int32 `json:"value"`
}

// ========== Helper Methods ==========

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) uptime() time.Duration {
	return time.Since(h.startTime)
}

// SetVersion sets the application version
func (h *Handler) SetVersion(v string) {
	h.appVersion = v
}

// SetHistory enables the persisted telemetry endpoints
func (h *Handler) SetHistory(store *history.Store) {
	h.history = store
}

// linkErrorCode maps connection manager errors onto HTTP status codes
func linkErrorCode(err error) int {
	switch {
	case errors.Is(err, ble.ErrNotConnected), errors.Is(err, ble.ErrAlreadyScanning), errors.Is(err, ble.ErrNotScanning):
		return http.StatusConflict
	case errors.Is(err, ble.ErrTransportDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, ble.ErrInvalidDeviceID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func telemetryInfo(t motor.Telemetry) *TelemetryInfo {
	return &TelemetryInfo{
		Status:      t.Status,
		State:       t.State(),
		RPM:         t.RPM,
		Angle:       t.Angle,
		SyncWarning: t.SyncWarning(),
		Overheat:    t.Overheat(),
	}
}

func peripheralInfo(p ble.Peripheral) PeripheralInfo {
	info := PeripheralInfo{
		Address:     p.Address,
		Name:        p.Name,
		RSSI:        p.RSSI,
		Connectable: p.Connectable,
		LastSeen:    p.LastSeen,
	}
	if len(p.DeviceID) == ble.DeviceIDSize {
		info.DeviceID = ble.FormatDeviceID(p.DeviceID)
	}
	return info
}

func describeOperation(op ble.Operation) string {
	switch op.Characteristic {
	case ble.CharHeartbeat:
		return "heartbeat"
	case ble.CharCommand:
		cmd, err := motor.DecodeCommand(op.Payload)
		if err != nil {
			return fmt.Sprintf("command %x", op.Payload)
		}
		switch cmd.Op {
		case motor.OpSpeed, motor.OpPosition:
			return fmt.Sprintf("%s %d", cmd.Op, cmd.Value)
		default:
			return cmd.Op.String()
		}
	default:
		return fmt.Sprintf("write %x", op.Payload)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ========== Publishers ==========

// LogEvent records a notable link event and pushes it to websocket clients
func (h *Handler) LogEvent(source, message string) {
	if h.events != nil {
		h.events.Add(source, message)
	}
	if h.wsHub != nil {
		h.wsHub.Broadcast("log", map[string]string{
			"source": source,
			"line":   message,
		})
	}
}

func (h *Handler) PublishState(s ble.State) {
	if h.wsHub != nil {
		h.wsHub.Broadcast("state", s)
	}
}

func (h *Handler) PublishTelemetry(t motor.Telemetry) {
	if h.wsHub != nil {
		h.wsHub.Broadcast("telemetry", telemetryInfo(t))
	}
}

func (h *Handler) PublishPeripheral(p ble.Peripheral, found bool) {
	if h.wsHub == nil {
		return
	}
	msgType := "peripheral_found"
	if !found {
		msgType = "peripheral_removed"
	}
	h.wsHub.Broadcast(msgType, peripheralInfo(p))
}

// PublishReconnect reports a finished reconnect attempt and returns the
// line that was logged for it
func (h *Handler) PublishReconnect(o ble.ReconnectOutcome) string {
	info := ReconnectInfo{
		Result:    o.Result,
		DeviceID:  o.DeviceID,
		Address:   o.Address,
		ElapsedMS: o.Elapsed.Milliseconds(),
	}
	line := fmt.Sprintf("reconnect to %s: %s after %dms", o.DeviceID, o.Result, info.ElapsedMS)
	if o.Err != nil {
		info.Error = o.Err.Error()
		line += ": " + info.Error
	}
	if h.wsHub != nil {
		h.wsHub.Broadcast("reconnect", info)
	}
	h.LogEvent("reconnect", line)
	return line
}

// PublishCommandResult reports a failed or acknowledged command write.
// Heartbeat results are only published on failure.
func (h *Handler) PublishCommandResult(op ble.Operation, err error) {
	if op.Characteristic == ble.CharHeartbeat && err == nil {
		return
	}
	info := CommandResultInfo{Command: describeOperation(op)}
	line := info.Command + " acknowledged"
	if err != nil {
		info.Error = err.Error()
		line = fmt.Sprintf("%s failed: %v", info.Command, err)
	}
	if h.wsHub != nil {
		h.wsHub.Broadcast("command_result", info)
	}
	h.LogEvent("command", line)
}

// ========== Core Handlers ==========

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.link.Status()
	resp := StatusResponse{
		Uptime:  int64(h.uptime().Seconds()),
		Version: h.appVersion,
		Build:   version.Get(),
		Link:    status,
		History: h.stats.History(),
	}
	if status.State.Telemetry != nil {
		resp.Telemetry = telemetryInfo(*status.State.Telemetry)
	}

	writeJSON(w, resp)
}

func (h *Handler) HandleConfigGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.config.Get())
}

func (h *Handler) HandleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Start from the current config so partial bodies keep other values
	cfg := h.config.Get()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	settings, err := cfg.Settings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.config.Update(cfg); err != nil {
		http.Error(w, fmt.Sprintf("Failed to update config: %v", err), http.StatusInternalServerError)
		return
	}
	h.link.ApplyConfig(settings)
	logger.SetDebug(cfg.Logging.Debug)

	logger.Info("Configuration updated successfully")
	writeJSON(w, map[string]string{"status": "updated"})
}

func (h *Handler) HandleDebugMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]interface{}{
			"debug": logger.IsDebug(),
		})

	case http.MethodPost:
		var req struct {
			Debug bool `json:"debug"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}

		logger.SetDebug(req.Debug)

		writeJSON(w, map[string]interface{}{
			"debug":  req.Debug,
			"status": "updated",
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 100)
	events := h.events.GetRecent(limit)
	if events == nil {
		events = []stats.Event{}
	}
	writeJSON(w, map[string]interface{}{
		"events": events,
	})
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleConnection(w, r)
}
