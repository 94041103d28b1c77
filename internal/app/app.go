// Package app wires the snapshot system, its websocket transport, and the
// structured logging router into a runnable process: constructing the
// router and its sinks, assembling the transport and snapshot system,
// starting the tick loop, and serving HTTP.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"gridsync/server/internal/net/proto"
	"gridsync/server/internal/net/transport"
	"gridsync/server/internal/net/ws"
	"gridsync/server/internal/snapshotsys"
	"gridsync/server/internal/telemetry"
	"gridsync/server/logging"
	loggingSinks "gridsync/server/logging/sinks"
)

// Config is the top-level process configuration. A zero Addr, Logger,
// Snapshot capacity or Snapshot.TickRate falls back to a built-in default;
// the SNAPSHOT_USE_DELTA, SNAPSHOT_USE_SPAWN and SNAPSHOT_TICK_RATE_MS
// environment variables, when set, override the matching Snapshot fields.
type Config struct {
	Addr           string
	Logger         telemetry.Logger
	LocalClientID  uint64
	ServerClientID uint64
	IsServer       bool
	Snapshot       snapshotsys.Config
}

// Run assembles the logging router, the websocket transport, a minimal
// in-memory object registry, and the snapshot system's tick loop, then
// serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()

	logConfig := logging.DefaultConfig()
	if raw := os.Getenv("SNAPSHOT_LOG_SINKS"); raw != "" {
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, raw)
	}
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout),
		"json":    loggingSinks.NewJSON(os.Stdout, 2*time.Second),
	}

	router, err := logging.NewRouter(logConfig, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(ctx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	snapshotCfg := cfg.Snapshot
	applyEnvOverrides(&snapshotCfg, telemetryLogger)
	snapshotCfg.Logger = telemetryLogger
	snapshotCfg.Publisher = router

	registry := newObjectRegistry()

	handlerCfg := ws.HandlerConfig{Logger: telemetryLogger}
	handler := ws.NewHandler(handlerCfg, cfg.IsServer, cfg.LocalClientID, cfg.ServerClientID)

	sys := snapshotsys.New(snapshotCfg, handler, registry.lookup, registry.applySpawn)

	handler.OnMessage(func(clientID uint64, payload []byte) {
		if err := sys.Receive(clientID, byteReader(payload)); err != nil {
			telemetryLogger.Printf("snapshot: receive from client %d failed: %v", clientID, err)
		}
	})

	tickRate := snapshotCfg.TickRate
	if tickRate <= 0 {
		tickRate = 50 * time.Millisecond
	}
	stop := make(chan struct{})
	go runTickLoop(sys, tickRate, stop)
	defer close(stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		idRaw := r.URL.Query().Get("id")
		clientID, err := strconv.ParseUint(idRaw, 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid id", http.StatusBadRequest)
			return
		}
		if err := handler.Handle(clientID, w, r); err != nil {
			telemetryLogger.Printf("ws: session for client %d ended: %v", clientID, err)
		}
	})

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	telemetryLogger.Printf("snapshot server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *snapshotsys.Config, logger telemetry.Logger) {
	if raw := os.Getenv("SNAPSHOT_USE_DELTA"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.UseSnapshotDelta = value
		} else {
			logger.Printf("invalid SNAPSHOT_USE_DELTA=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("SNAPSHOT_USE_SPAWN"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.UseSnapshotSpawn = value
		} else {
			logger.Printf("invalid SNAPSHOT_USE_SPAWN=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("SNAPSHOT_TICK_RATE_MS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			cfg.TickRate = time.Duration(value) * time.Millisecond
		} else {
			logger.Printf("invalid SNAPSHOT_TICK_RATE_MS=%q: %v", raw, err)
		}
	}
}

func runTickLoop(sys *snapshotsys.System, rate time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	var tick int32
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tick++
			sys.Tick(tick)
		}
	}
}

// byteReader adapts a []byte payload (one websocket binary message) into
// the proto.ByteReader the snapshot system's Receive expects.
func byteReader(payload []byte) proto.ByteReader {
	return &sliceReader{data: payload}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *sliceReader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ensure transport.Transport is structurally satisfied by *ws.Handler; kept
// here as documentation of the dependency rather than a runtime check.
var _ transport.Transport = (*ws.Handler)(nil)
