// Package scheduler decides which dynamic tables are due, orders them by
// dependency depth and feeds the pending queue. It also expires dead claims
// and sweeps orphaned subtasks.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/config"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metadata"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metrics"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
)

type Scheduler struct {
	Meta    *metadata.Store
	Lake    *lake.Client
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Config  config.Config

	// lastTick bounds the downstream-propagation window.
	lastTick time.Time
	pool     pond.Pool
	Now      func() time.Time
}

func New(meta *metadata.Store, lk *lake.Client, logger *zap.Logger, m *metrics.Metrics, cfg config.Config) *Scheduler {
	return &Scheduler{
		Meta:    meta,
		Lake:    lk,
		Logger:  logger.With(zap.String("component", "scheduler")),
		Metrics: m,
		Config:  cfg,
		pool:    pond.NewPool(4),
	}
}

func (s *Scheduler) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock()
	prevTick := s.lastTick
	if prevTick.IsZero() {
		prevTick = now.Add(-s.Config.PollInterval)
	}
	s.lastTick = now

	expired, err := s.Meta.ExpireClaims(ctx, now, s.Config.ClaimTimeout)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		if s.Metrics != nil {
			s.Metrics.SweeperExpired.Add(float64(len(expired)))
		}
		s.Logger.Warn("expired stale claims", zap.Strings("tables", expired))
	}

	orphaned, err := s.Meta.SweepSubtasks(ctx, now, s.Config.ClaimTimeout, s.Config.SubtaskRetryMax)
	if err != nil {
		return err
	}
	if len(orphaned) > 0 {
		// Result tables of dead subtasks are dropped in parallel; a failed
		// drop is retried by the next sweep.
		group := s.pool.NewGroupContext(ctx)
		for _, loc := range orphaned {
			loc := loc
			group.Submit(func() {
				if err := s.Lake.DropTable(ctx, loc); err != nil {
					s.Logger.Warn("drop orphaned result failed",
						zap.String("location", loc), zap.Error(err))
				}
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			s.Logger.Warn("orphan cleanup incomplete", zap.Error(err))
		}
	}

	due, depths, err := s.computeDue(ctx, now, prevTick)
	if err != nil {
		return err
	}
	for _, table := range due {
		if err := s.Meta.Enqueue(ctx, table, now, depths[table]); err != nil {
			return err
		}
	}
	if s.Metrics != nil {
		s.Metrics.QueueDepth.Set(float64(len(due)))
	}
	if len(due) > 0 {
		s.Logger.Info("scheduling pass enqueued work", zap.Strings("tables", due))
	}
	return nil
}

// computeDue builds the ordered due list: staleness and downstream marks,
// closed under stale upstream dependencies, topologically sorted with
// dependency depth as priority.
func (s *Scheduler) computeDue(ctx context.Context, now, prevTick time.Time) ([]string, map[string]int, error) {
	tables, err := s.Meta.ListTables(ctx)
	if err != nil {
		return nil, nil, err
	}
	lastSuccess, err := s.Meta.LastSuccessTimes(ctx)
	if err != nil {
		return nil, nil, err
	}
	g, err := s.Meta.LoadGraph(ctx)
	if err != nil {
		return nil, nil, err
	}

	byName := make(map[string]*model.DynamicTable, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	// Downstream-lag tables wake whenever any upstream refreshed (with data
	// change) since the previous pass; a skipped no-op does not count.
	refreshed, err := s.Meta.SucceededSince(ctx, prevTick)
	if err != nil {
		return nil, nil, err
	}
	refreshedSet := make(map[string]bool, len(refreshed))
	for _, n := range refreshed {
		refreshedSet[n] = true
	}

	stale := func(t *model.DynamicTable) bool {
		last, ok := lastSuccess[t.Name]
		if !ok {
			return true // never refreshed: bootstrap is always overdue
		}
		if t.TargetLag.Downstream {
			return false
		}
		return now.Sub(last) >= t.TargetLag.Duration
	}

	dueSet := make(map[string]bool)
	for _, t := range tables {
		if t.Status != model.StatusActive {
			continue
		}
		if _, ever := lastSuccess[t.Name]; !ever {
			dueSet[t.Name] = true
			continue
		}
		if t.TargetLag.Downstream {
			for _, up := range g.Upstreams(t.Name) {
				if refreshedSet[up] {
					dueSet[t.Name] = true
					break
				}
			}
			continue
		}
		if stale(t) {
			dueSet[t.Name] = true
		}
	}
	if s.Metrics != nil {
		for _, t := range tables {
			if last, ok := lastSuccess[t.Name]; ok {
				s.Metrics.Staleness.WithLabelValues(t.Name).Set(now.Sub(last).Seconds())
			}
		}
	}

	// Close under dependencies: pull in upstreams that are themselves stale
	// so a chain bootstraps and refreshes in one pass.
	var dueList []string
	for name := range dueSet {
		dueList = append(dueList, name)
	}
	for _, name := range g.Closure(dueList) {
		t, ok := byName[name]
		if !ok || dueSet[name] {
			continue
		}
		if t.Status == model.StatusActive && stale(t) {
			dueSet[name] = true
		}
	}

	// Partial-chain rule: a table whose upstream is failed is skipped this
	// pass, not failed itself.
	for name := range dueSet {
		for _, up := range g.Upstreams(name) {
			if upT, ok := byName[up]; ok && upT.Status == model.StatusFailed {
				delete(dueSet, name)
				break
			}
		}
	}

	order, err := g.TopoSort()
	if err != nil {
		return nil, nil, err
	}
	depths := g.Depth()

	var due []string
	for _, name := range order {
		if dueSet[name] {
			due = append(due, name)
		}
	}
	return due, depths, nil
}
