package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/pstryk"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/storage"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
)

// Vendor is the part of the vendor API client the bridge polls.
type Vendor interface {
	Summary(ctx context.Context) (types.Snapshot, error)
	Session() types.Session
	Restore(sess types.Session)
}

// Publisher pushes snapshots out to the entity boundary.
type Publisher interface {
	PublishSnapshot(ctx context.Context, snap types.Snapshot) error
}

// Bridge polls the vendor API on an interval, patches the snapshot in place
// from live stream messages, and hands every change to the publisher and the
// local database.
type Bridge struct {
	api Vendor
	db  storage.Database
	pub Publisher

	pollInterval   time.Duration
	priceRetention time.Duration

	// streamConnected is wired to the stream after construction.
	streamConnected func() bool

	mu          sync.Mutex
	snap        types.Snapshot
	haveSnap    bool
	lastPollAt  time.Time
	lastPollErr error
}

// Configured initializes the Bridge with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(api Vendor, db storage.Database, pub Publisher) *Bridge {
	b := &Bridge{
		api: api,
		db:  db,
		pub: pub,
	}

	pollInterval := lflag.Duration("poll-interval", 3*time.Minute, "Interval between vendor API polls")
	priceRetention := lflag.Duration("price-retention", 7*24*time.Hour, "How long to keep price history")

	lflag.Do(func() {
		b.pollInterval = *pollInterval
		b.priceRetention = *priceRetention
	})

	return b
}

// SetStreamStatus wires the live stream's connection state into Status.
func (b *Bridge) SetStreamStatus(fn func() bool) {
	b.streamConnected = fn
}

// Status returns the current bridge state for the status endpoint.
func (b *Bridge) Status() types.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := types.Status{
		Snapshot:   b.snap,
		LastPollAt: b.lastPollAt,
	}
	if b.lastPollErr != nil {
		st.LastPollError = b.lastPollErr.Error()
	}
	if b.streamConnected != nil {
		st.StreamConnected = b.streamConnected()
	}
	return st
}

// Run restores persisted state, then polls until ctx is canceled. A failed
// poll keeps the previous snapshot published and is retried on the next tick.
func (b *Bridge) Run(ctx context.Context) error {
	b.restore(ctx)

	b.poll(ctx)

	t := time.NewTicker(b.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			b.poll(ctx)
		}
	}
}

// restore loads the persisted session and snapshot so the bridge starts from
// where it left off instead of from zero.
func (b *Bridge) restore(ctx context.Context) {
	sess, err := b.db.GetSession(ctx)
	switch {
	case err == nil:
		b.api.Restore(sess)
		log.Ctx(ctx).InfoContext(ctx, "restored vendor session",
			slog.Int64("meterID", sess.MeterID),
			slog.Time("updatedAt", sess.UpdatedAt))
	case errors.Is(err, storage.ErrSessionNotFound):
	default:
		log.Ctx(ctx).WarnContext(ctx, "failed to restore session", log.Error(err))
	}

	snap, err := b.db.GetSnapshot(ctx)
	switch {
	case err == nil:
		b.mu.Lock()
		b.snap = snap
		b.haveSnap = true
		b.mu.Unlock()
		// publish immediately so entities are populated before the first poll
		if err := b.pub.PublishSnapshot(ctx, snap); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish restored snapshot", log.Error(err))
		}
	case errors.Is(err, storage.ErrSnapshotNotFound):
	default:
		log.Ctx(ctx).WarnContext(ctx, "failed to restore snapshot", log.Error(err))
	}
}

// poll fetches a fresh snapshot, publishes it, and persists everything that
// changed.
func (b *Bridge) poll(ctx context.Context) {
	snap, err := b.api.Summary(ctx)

	b.mu.Lock()
	b.lastPollAt = time.Now()
	b.lastPollErr = err
	if err != nil {
		b.mu.Unlock()
		log.Ctx(ctx).ErrorContext(ctx, "poll failed", log.Error(err))
		return
	}
	// the poll is authoritative but the live patch time survives it
	snap.LiveAt = b.snap.LiveAt
	b.snap = snap
	b.haveSnap = true
	b.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "poll succeeded",
		slog.Int64("meterID", snap.MeterID),
		slog.Float64("dayUsageKWH", snap.Day.UsageKWH),
		slog.Int("priceFrames", len(snap.Prices.Frames)))

	if err := b.pub.PublishSnapshot(ctx, snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish snapshot", log.Error(err))
	}

	b.persist(ctx, snap)
}

// persist writes the session, snapshot, and price history. Persistence
// failures are logged but never fail the poll.
func (b *Bridge) persist(ctx context.Context, snap types.Snapshot) {
	if err := b.db.SetSession(ctx, b.api.Session()); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist session", log.Error(err))
	}
	if err := b.db.SetSnapshot(ctx, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist snapshot", log.Error(err))
	}
	if err := b.db.UpsertPriceFrames(ctx, snap.Prices.Frames); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist price frames", log.Error(err))
	}
	if err := b.db.PrunePriceHistory(ctx, time.Now().Add(-b.priceRetention)); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to prune price history", log.Error(err))
	}
}

// HandleLive patches the snapshot with a live usage message and republishes.
// Buckets the message omits keep their polled values.
func (b *Bridge) HandleLive(ctx context.Context, msg pstryk.LiveUsage) {
	b.mu.Lock()
	if !b.haveSnap {
		// nothing to patch yet, the first poll will supersede this message
		b.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "dropping live message before first snapshot")
		return
	}
	applyLive(&b.snap.Day, msg.DayToDate)
	applyLive(&b.snap.Week, msg.WeekToDate)
	applyLive(&b.snap.Month, msg.MonthToDate)
	b.snap.LiveAt = time.Now()
	snap := b.snap
	b.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "applied live usage message",
		slog.Float64("dayUsageKWH", snap.Day.UsageKWH),
		slog.Float64("dayCostPLN", snap.Day.CostPLN))

	if err := b.pub.PublishSnapshot(ctx, snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish live snapshot", log.Error(err))
	}
	if err := b.db.SetSnapshot(ctx, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist live snapshot", log.Error(err))
	}
}

func applyLive(totals *types.EnergyTotals, live pstryk.LiveTotals) {
	if live.FaeUsage != nil {
		totals.UsageKWH = *live.FaeUsage
	}
	if live.FaeCost != nil {
		totals.CostPLN = *live.FaeCost
	}
}
