package storagemock

import (
	"context"
	"time"

	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/storage"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSession(ctx context.Context) (types.Session, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Session), args.Error(1)
}

func (m *MockDatabase) SetSession(ctx context.Context, sess types.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *MockDatabase) GetSnapshot(ctx context.Context) (types.Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Snapshot), args.Error(1)
}

func (m *MockDatabase) SetSnapshot(ctx context.Context, snap types.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *MockDatabase) UpsertPriceFrames(ctx context.Context, frames []types.PriceFrame) error {
	args := m.Called(ctx, frames)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceFrame, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.PriceFrame), args.Error(1)
}

func (m *MockDatabase) PrunePriceHistory(ctx context.Context, before time.Time) error {
	args := m.Called(ctx, before)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
