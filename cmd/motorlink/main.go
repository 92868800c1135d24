package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tinygo.org/x/bluetooth"

	"motorlink/internal/api"
	"motorlink/internal/ble"
	"motorlink/internal/config"
	"motorlink/internal/history"
	"motorlink/internal/logger"
	"motorlink/internal/motor"
	"motorlink/internal/radio"
	"motorlink/internal/sim"
	"motorlink/internal/stats"
	"motorlink/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	simulate := flag.Bool("simulate", false, "Use the built-in simulated motor controller instead of the BLE adapter")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.DetailedInfo())
		return
	}

	cfgManager := config.NewManager(*configPath)
	if err := cfgManager.Load(); err != nil {
		log.Printf("[WARN] Failed to load config: %v\nAttempting to create a default config...", err)
		configDir := filepath.Dir(*configPath)
		if mkErr := os.MkdirAll(configDir, 0755); mkErr != nil {
			log.Fatalf("Failed to create config directory %s: %v", configDir, mkErr)
		}
		if err := cfgManager.Update(*config.DefaultConfig()); err != nil {
			log.Fatalf("Failed to create default config: %v", err)
		}
		log.Printf("[INFO] Default config created at %s", *configPath)
	}

	cfg := cfgManager.Get()

	if err := logger.Init(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.Debug); err != nil {
		log.Printf("[WARN] Failed to initialize file logging: %v (continuing with stdout only)", err)
		if err := logger.Init("", 0, 0, cfg.Logging.Debug); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
	}
	defer logger.Get().Close()

	logger.Printf("Starting %s on port %d", version.Info(), cfg.Web.Port)

	settings, err := cfg.Settings()
	if err != nil {
		logger.Fatal("Invalid BLE settings: %v", err)
	}

	transport, closeTransport, err := openTransport(cfg, *simulate || cfg.Radio.Simulate)
	if err != nil {
		logger.Fatal("Failed to open BLE transport: %v", err)
	}
	defer closeTransport()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := ble.NewManager(transport, settings)
	statsCollector := stats.NewCollector(cfg.History.MaxPoints)
	eventLog := stats.NewEventLog(stats.DefaultEventSize)

	wsHub := api.NewHub()
	hubStop := make(chan struct{})
	go wsHub.Run(hubStop)

	handler := api.NewHandler(cfgManager, link, statsCollector, eventLog, wsHub)
	handler.SetVersion(version.Version)

	var recorder *history.Recorder
	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(ctx, cfg.History.Path)
		if err != nil {
			logger.Warn("Telemetry history disabled: %v", err)
		} else {
			defer store.Close() //nolint:errcheck
			handler.SetHistory(store)
			recorder = history.NewRecorder(store, time.Duration(cfg.History.FlushIntervalMS)*time.Millisecond)
			go recorder.Run(ctx)
			go pruneHistory(ctx, store, time.Duration(cfg.History.RetentionHours)*time.Hour)
		}
	}

	recordEvent := func(source, line string) {
		if recorder != nil {
			recorder.OnEvent(source, line)
		}
	}

	link.SetTelemetryHandler(func(t motor.Telemetry) {
		statsCollector.Record(t)
		handler.PublishTelemetry(t)
		if recorder != nil {
			recorder.OnTelemetry(t)
		}
	})
	link.SetPeripheralHandlers(
		func(p ble.Peripheral) { handler.PublishPeripheral(p, true) },
		func(p ble.Peripheral) { handler.PublishPeripheral(p, false) },
	)
	link.SetSessionHandler(func(ev ble.SessionEvent) {
		if recorder != nil {
			recorder.OnSession(ev)
		}
		if !ev.Connected {
			handler.LogEvent("link", "session with "+ev.Address+" ended")
			return
		}
		statsCollector.Clear()
		handler.LogEvent("link", fmt.Sprintf("connected to %s (%s)", ev.Name, ev.Address))
		if len(ev.DeviceID) == ble.DeviceIDSize {
			if err := cfgManager.SetDeviceID(ev.DeviceID); err != nil {
				logger.Warn("Failed to persist device id: %v", err)
			}
		}
	})
	link.SetReconnectHandler(func(o ble.ReconnectOutcome) {
		recordEvent("reconnect", handler.PublishReconnect(o))
	})
	link.SetCommandResultHandler(func(op ble.Operation, err error) {
		handler.PublishCommandResult(op, err)
		if err != nil {
			recordEvent("command", err.Error())
		}
	})

	states, unsubscribe := link.Subscribe()
	defer unsubscribe()
	go forwardStates(states, handler)

	link.Start(ctx)

	// Pick the last controller back up on boot
	if settings.AutoReconnect && len(settings.DeviceID) == ble.DeviceIDSize {
		if err := link.Reconnect(); err != nil {
			logger.Warn("Startup reconnect not started: %v", err)
		}
	}

	mux := http.NewServeMux()
	handler.Register(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed: %v", err)
		}
	}()

	logger.Printf("Server started at http://localhost:%d", cfg.Web.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("Shutting down...")

	link.Close()
	close(hubStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}

	// Let the recorder close the open session before the store goes away
	cancel()
	time.Sleep(100 * time.Millisecond)

	logger.Println("Server stopped")
}

// openTransport returns the simulated controller or the host adapter
func openTransport(cfg config.Config, simulate bool) (ble.Transport, func(), error) {
	if simulate {
		logger.Info("Using simulated motor controller")
		p := sim.NewPeripheral(sim.DefaultConfig())
		return p, p.Close, nil
	}

	var bluez *radio.BlueZ
	if cfg.Radio.DBusNotifications {
		b, err := radio.NewBlueZ(cfg.Radio.Adapter)
		if err != nil {
			logger.Warn("D-Bus unavailable, notification fallback disabled: %v", err)
		} else {
			bluez = b
		}
	}

	adapter := radio.NewAdapter(bluetooth.DefaultAdapter, bluez)
	if err := adapter.Enable(); err != nil {
		if bluez != nil {
			bluez.Close() //nolint:errcheck
		}
		return nil, nil, err
	}

	return adapter, func() {
		if bluez != nil {
			bluez.Close() //nolint:errcheck
		}
	}, nil
}

// forwardStates pushes connection state changes to websocket clients.
// Telemetry-only updates are left to the telemetry broadcast.
func forwardStates(states <-chan ble.State, handler *api.Handler) {
	var last ble.State
	for s := range states {
		if s.Kind == last.Kind && s.Name == last.Name {
			continue
		}
		last = s
		handler.PublishState(s)
	}
}

func pruneHistory(ctx context.Context, store *history.Store, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("[HISTORY] Prune failed: %v", err)
		} else if n > 0 {
			logger.Info("[HISTORY] Pruned %d sessions older than %s", n, retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
