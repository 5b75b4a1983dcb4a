package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/levenlabs/go-lflag"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLiteProvider implements the Database interface on a local SQLite file so
// the bridge survives restarts without re-authenticating or re-polling.
type SQLiteProvider struct {
	db   *gorm.DB
	path string
}

// storedSession holds the refresh token and discovered meter. There is only
// ever one row.
type storedSession struct {
	ID           uint `gorm:"primarykey"`
	RefreshToken string
	MeterID      int64
	UpdatedAt    time.Time
}

// storedSnapshot holds the last published snapshot as a JSON blob. There is
// only ever one row.
type storedSnapshot struct {
	ID        uint `gorm:"primarykey"`
	JSON      string
	UpdatedAt time.Time
}

// storedPriceFrame is one hourly price frame kept for history queries.
type storedPriceFrame struct {
	TSStart        time.Time `gorm:"primarykey"`
	TSEnd          time.Time
	GrossPLNPerKWH float64
	IsCheap        bool
	IsExpensive    bool
}

// configuredSQLite sets up the SQLite provider.
// It registers flags for configuration.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "pstryk2mqtt.db", "Path to the SQLite database file")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path cannot be empty")
	}
	return nil
}

// Init opens the database and migrates the schema.
// This must be called before using the provider methods.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", s.path, err)
	}
	if err := db.AutoMigrate(&storedSession{}, &storedSnapshot{}, &storedPriceFrame{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteProvider) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetSession returns the persisted vendor session.
func (s *SQLiteProvider) GetSession(ctx context.Context) (types.Session, error) {
	var row storedSession
	res := s.db.WithContext(ctx).First(&row, 1)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return types.Session{}, ErrSessionNotFound
		}
		return types.Session{}, fmt.Errorf("failed to fetch session: %w", res.Error)
	}
	return types.Session{
		RefreshToken: row.RefreshToken,
		MeterID:      row.MeterID,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// SetSession persists the vendor session, replacing any previous one.
func (s *SQLiteProvider) SetSession(ctx context.Context, sess types.Session) error {
	row := storedSession{
		ID:           1,
		RefreshToken: sess.RefreshToken,
		MeterID:      sess.MeterID,
		UpdatedAt:    sess.UpdatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("failed to persist session: %w", res.Error)
	}
	return nil
}

// GetSnapshot returns the last persisted snapshot.
func (s *SQLiteProvider) GetSnapshot(ctx context.Context) (types.Snapshot, error) {
	var row storedSnapshot
	res := s.db.WithContext(ctx).First(&row, 1)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return types.Snapshot{}, ErrSnapshotNotFound
		}
		return types.Snapshot{}, fmt.Errorf("failed to fetch snapshot: %w", res.Error)
	}
	var snap types.Snapshot
	if err := json.Unmarshal([]byte(row.JSON), &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// SetSnapshot persists the snapshot, replacing any previous one.
func (s *SQLiteProvider) SetSnapshot(ctx context.Context, snap types.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	row := storedSnapshot{
		ID:        1,
		JSON:      string(b),
		UpdatedAt: snap.UpdatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("failed to persist snapshot: %w", res.Error)
	}
	return nil
}

// UpsertPriceFrames adds or updates price frames keyed by start time.
func (s *SQLiteProvider) UpsertPriceFrames(ctx context.Context, frames []types.PriceFrame) error {
	if len(frames) == 0 {
		return nil
	}
	rows := make([]storedPriceFrame, 0, len(frames))
	for _, f := range frames {
		rows = append(rows, storedPriceFrame{
			TSStart:        f.TSStart.UTC(),
			TSEnd:          f.TSEnd.UTC(),
			GrossPLNPerKWH: f.GrossPLNPerKWH,
			IsCheap:        f.IsCheap,
			IsExpensive:    f.IsExpensive,
		})
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows)
	if res.Error != nil {
		return fmt.Errorf("failed to persist price frames: %w", res.Error)
	}
	return nil
}

// GetPriceHistory returns frames starting within [start, end) ordered by
// start time.
func (s *SQLiteProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceFrame, error) {
	var rows []storedPriceFrame
	res := s.db.WithContext(ctx).
		Where("ts_start >= ? AND ts_start < ?", start.UTC(), end.UTC()).
		Order("ts_start asc").
		Find(&rows)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to fetch price history: %w", res.Error)
	}
	frames := make([]types.PriceFrame, 0, len(rows))
	for _, row := range rows {
		frames = append(frames, types.PriceFrame{
			TSStart:        row.TSStart,
			TSEnd:          row.TSEnd,
			GrossPLNPerKWH: row.GrossPLNPerKWH,
			IsCheap:        row.IsCheap,
			IsExpensive:    row.IsExpensive,
		})
	}
	return frames, nil
}

// PrunePriceHistory deletes frames that started before the given time.
func (s *SQLiteProvider) PrunePriceHistory(ctx context.Context, before time.Time) error {
	res := s.db.WithContext(ctx).
		Where("ts_start < ?", before.UTC()).
		Delete(&storedPriceFrame{})
	if res.Error != nil {
		return fmt.Errorf("failed to prune price history: %w", res.Error)
	}
	return nil
}
