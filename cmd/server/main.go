// Command server runs the snapshot replication process described by
// internal/app, acting as the authoritative server by default.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gridsync/server/internal/app"
	"gridsync/server/internal/snapshotsys"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := app.Config{
		IsServer:       true,
		LocalClientID:  1,
		ServerClientID: 1,
		Snapshot: snapshotsys.Config{
			BufSize:          30000,
			MaxEntries:       2000,
			MaxSpawns:        100,
			UseSnapshotDelta: true,
			UseSnapshotSpawn: true,
		},
	}

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
