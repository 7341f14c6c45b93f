// Package worker runs the polling loop: claim one due table refresh, else
// one pending subtask, else sleep. Heartbeats run beside the active work and
// a lost heartbeat cancels it.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/engine"
	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/ticker"
)

type Loop struct {
	Engine *engine.Context
	Logger *zap.Logger

	// inflight tracks active work for graceful shutdown; cancels allows the
	// hard deadline to abort it.
	inflight sync.WaitGroup
	cancels  *xsync.Map[string, context.CancelFunc]
}

func NewLoop(eng *engine.Context, logger *zap.Logger) *Loop {
	return &Loop{
		Engine:  eng,
		Logger:  logger.With(zap.String("component", "worker")),
		cancels: xsync.NewMap[string, context.CancelFunc](),
	}
}

// Run polls until ctx is cancelled, then drains: no new work is accepted,
// the in-flight refresh finishes, and past the hard deadline it is aborted.
func (l *Loop) Run(ctx context.Context) error {
	err := ticker.Every(ctx, l.Engine.Config.PollInterval, func(ctx context.Context) error {
		l.poll(ctx)
		return nil
	})

	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.Engine.Config.HardShutdownDeadline()):
		l.Logger.Warn("hard shutdown deadline reached, aborting in-flight work")
		l.cancels.Range(func(_ string, cancel context.CancelFunc) bool {
			cancel()
			return true
		})
		<-done
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// poll claims and executes at most one unit of work: a table refresh first,
// a subtask second.
func (l *Loop) poll(ctx context.Context) {
	if l.pollRefresh(ctx) {
		return
	}
	l.pollSubtask(ctx)
}

func (l *Loop) pollRefresh(ctx context.Context) bool {
	due, err := l.Engine.Meta.DueRefreshes(ctx, time.Now().UTC(), 10)
	if err != nil {
		l.Logger.Error("poll for due refreshes failed", zap.Error(err))
		return false
	}
	for _, p := range due {
		ok, err := l.Engine.Claims.Acquire(ctx, p.Table)
		if err != nil {
			l.Logger.Error("claim attempt failed", zap.String("table", p.Table), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		l.runRefresh(ctx, p)
		return true
	}
	return false
}

// runRefresh executes one claimed refresh with its heartbeat task. The work
// context is detached from the poll context so shutdown lets it finish.
func (l *Loop) runRefresh(ctx context.Context, p *model.PendingRefresh) {
	table := p.Table
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancels.Store(table, cancel)
	l.inflight.Add(1)
	defer func() {
		cancel()
		l.cancels.Delete(table)
		l.inflight.Done()
	}()

	l.Engine.Presence.SetBusy(workCtx, true)
	defer l.Engine.Presence.SetBusy(workCtx, false)
	if l.Engine.Metrics != nil {
		l.Engine.Metrics.ActiveClaims.Inc()
		defer l.Engine.Metrics.ActiveClaims.Dec()
	}

	// Heartbeat beside the refresh; a failed heartbeat write means the claim
	// is gone and the refresh must stop.
	hbCtx, hbCancel := context.WithCancel(workCtx)
	var hbErr error
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		if err := l.Engine.Claims.RunHeartbeat(hbCtx, table); err != nil {
			hbErr = err
			cancel()
		}
	}()

	trigger := model.TriggerScheduled
	if p.Priority < 0 {
		trigger = model.TriggerManual
	}
	entry, err := l.execute(workCtx, table, trigger)

	hbCancel()
	hbDone.Wait()
	if hbErr != nil {
		l.Logger.Error("refresh aborted: heartbeat lost",
			zap.String("table", table), zap.Error(hbErr))
	}

	switch {
	case err == nil:
		if err := l.Engine.Meta.Dequeue(workCtx, table); err != nil {
			l.Logger.Error("dequeue failed", zap.String("table", table), zap.Error(err))
		}
		l.Logger.Info("refresh finished",
			zap.String("table", table),
			zap.String("strategy", string(entry.Strategy)),
			zap.String("status", string(entry.Status)),
			zap.Int64("rows", entry.RowsAffected))
	case apperrors.KindOf(err) == apperrors.KindDefinitional:
		// The table moved to failed; drop the queue entry until an operator
		// clears it.
		if err := l.Engine.Meta.Dequeue(workCtx, table); err != nil {
			l.Logger.Error("dequeue failed", zap.String("table", table), zap.Error(err))
		}
		l.Logger.Error("refresh failed with definitional error",
			zap.String("table", table), zap.Error(err))
	default:
		// Transient and coordination failures leave the queue entry; the
		// next poll retries.
		l.Logger.Error("refresh failed", zap.String("table", table), zap.Error(err))
	}

	if l.Engine.Metrics != nil && entry != nil {
		l.Engine.Metrics.RefreshTotal.WithLabelValues(
			string(entry.Strategy), string(entry.Status)).Inc()
		l.Engine.Metrics.RefreshDuration.WithLabelValues(
			string(entry.Strategy)).Observe(float64(entry.DurationMS) / 1000)
		l.Engine.Metrics.RowsAffected.Add(float64(entry.RowsAffected))
		if entry.AffectedKeyCount > 0 {
			l.Engine.Metrics.AffectedKeys.Observe(float64(entry.AffectedKeyCount))
		}
	}

	l.Engine.Claims.Release(workCtx, table)
}

func (l *Loop) execute(ctx context.Context, table string, trigger model.RefreshTrigger) (*model.HistoryEntry, error) {
	t, err := l.Engine.Meta.GetTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := l.Engine.Meta.ResolveSources(ctx, t); err != nil {
		return nil, err
	}
	return l.Engine.ExecuteRefresh(ctx, t, trigger)
}

func (l *Loop) pollSubtask(ctx context.Context) {
	st, err := l.Engine.Claims.ClaimSubtask(ctx)
	if err != nil {
		l.Logger.Error("subtask claim failed", zap.Error(err))
		return
	}
	if st == nil {
		return
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	key := "subtask:" + st.Table
	l.cancels.Store(key, cancel)
	l.inflight.Add(1)
	defer func() {
		cancel()
		l.cancels.Delete(key)
		l.inflight.Done()
	}()

	l.Engine.Presence.SetBusy(workCtx, true)
	defer l.Engine.Presence.SetBusy(workCtx, false)

	hbCtx, hbCancel := context.WithCancel(workCtx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		if err := l.Engine.Claims.RunSubtaskHeartbeat(hbCtx, st.ID); err != nil {
			cancel()
		}
	}()

	err = l.Engine.ExecuteSubtask(workCtx, st)
	hbCancel()
	hbDone.Wait()

	status := "completed"
	if err != nil {
		status = "failed"
		l.Logger.Error("subtask failed", zap.Int64("subtask", st.ID), zap.Error(err))
	}
	if l.Engine.Metrics != nil {
		l.Engine.Metrics.SubtasksTotal.WithLabelValues(status).Inc()
	}
}
