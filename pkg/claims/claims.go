// Package claims implements table- and subtask-level work ownership on top
// of the metadata store: atomic claim, periodic heartbeat, release and
// expiry.
package claims

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metadata"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/ticker"
)

type Manager struct {
	Store             *metadata.Store
	Logger            *zap.Logger
	WorkerID          string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
}

func NewManager(store *metadata.Store, logger *zap.Logger, workerID string, timeout, heartbeat time.Duration) *Manager {
	return &Manager{
		Store:             store,
		Logger:            logger.With(zap.String("component", "claims"), zap.String("worker", workerID)),
		WorkerID:          workerID,
		Timeout:           timeout,
		HeartbeatInterval: heartbeat,
	}
}

// Acquire attempts to take the table-level claim; false when another worker
// holds it.
func (m *Manager) Acquire(ctx context.Context, table string) (bool, error) {
	ok, err := m.Store.AcquireClaim(ctx, table, m.WorkerID, m.Timeout)
	if err != nil {
		return false, err
	}
	if ok {
		m.Logger.Debug("claim acquired", zap.String("table", table))
	}
	return ok, nil
}

// Release drops the claim; errors are logged, not propagated, because the
// expiry sweep cleans up regardless.
func (m *Manager) Release(ctx context.Context, table string) {
	if err := m.Store.ReleaseClaim(ctx, table, m.WorkerID); err != nil {
		m.Logger.Warn("claim release failed", zap.String("table", table), zap.Error(err))
	}
}

// RunHeartbeat extends the claim on a fixed cadence until ctx is cancelled.
// The returned error is non-nil when a heartbeat write failed or found the
// claim gone; the caller must abort the refresh.
func (m *Manager) RunHeartbeat(ctx context.Context, table string) error {
	err := ticker.Every(ctx, m.HeartbeatInterval, func(ctx context.Context) error {
		return m.Store.Heartbeat(ctx, table, m.WorkerID, m.Timeout)
	})
	if ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}

// RunSubtaskHeartbeat does the same for one claimed subtask.
func (m *Manager) RunSubtaskHeartbeat(ctx context.Context, subtaskID int64) error {
	err := ticker.Every(ctx, m.HeartbeatInterval, func(ctx context.Context) error {
		return m.Store.HeartbeatSubtask(ctx, subtaskID, m.WorkerID)
	})
	if ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}

// ClaimSubtask pulls one pending subtask, or nil.
func (m *Manager) ClaimSubtask(ctx context.Context) (*model.Subtask, error) {
	return m.Store.ClaimSubtask(ctx, m.WorkerID)
}
