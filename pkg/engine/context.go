// Package engine decides and executes dynamic-table refreshes: strategy
// selection, the single-worker executor, the parallel coordinator and the
// subtask worker.
package engine

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/config"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metadata"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metrics"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/presence"
)

// Context is the per-worker dependency bundle passed into every engine
// operation: handles, clock, metrics and configuration. No global state.
type Context struct {
	Meta     *metadata.Store
	Lake     *lake.Client
	Claims   *claims.Manager
	Presence presence.Tracker
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Config   config.Config
	WorkerID string
	// Now is the clock; tests substitute it.
	Now func() time.Time
}

func (c *Context) clock() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// affectedTempName is the session-scoped relation holding the affected key
// set for one refresh.
func affectedTempName(table string) string {
	return "__dt_affected_" + sanitize(table)
}

// dedupTempName holds the candidate rows when deduplication diffs against
// the target.
func dedupTempName(table string) string {
	return "__dt_candidate_" + sanitize(table)
}

func sanitize(name string) string {
	r := strings.NewReplacer(".", "_", `"`, "", "-", "_")
	return r.Replace(name)
}

// resultLocation names a subtask's cross-session result table.
func resultLocation(subtaskID int64, suffix string) string {
	return fmt.Sprintf("__dt_part_%d_%s", subtaskID, suffix)
}
