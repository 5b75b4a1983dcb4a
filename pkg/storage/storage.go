package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Database defines the interface for persisting sessions, snapshots, and
// price history.
type Database interface {
	// Session
	GetSession(ctx context.Context) (types.Session, error)
	SetSession(ctx context.Context, sess types.Session) error

	// Snapshot
	// GetSnapshot returns the last persisted snapshot so sensors can be
	// restored immediately after a restart.
	GetSnapshot(ctx context.Context) (types.Snapshot, error)
	SetSnapshot(ctx context.Context, snap types.Snapshot) error

	// Price History
	UpsertPriceFrames(ctx context.Context, frames []types.PriceFrame) error
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceFrame, error)
	PrunePriceHistory(ctx context.Context, before time.Time) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite)")

	var p struct{ Database }

	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
