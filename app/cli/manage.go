package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/rewrite"
)

func newAlterCommand(cc *cliContext) *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "alter NAME --set KEY=VALUE ...",
		Short: "Change table properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(sets) == 0 {
				return fmt.Errorf("at least one --set KEY=VALUE is required")
			}
			store, err := cc.metaStore(ctx)
			if err != nil {
				return err
			}
			t, err := store.GetTable(ctx, args[0])
			if err != nil {
				return err
			}
			for _, kv := range sets {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --set %q, expected KEY=VALUE", kv)
				}
				if err := t.ApplyAlter(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
					return err
				}
			}
			affectedCapable := t.RefreshStrategy != model.StrategyFull && len(t.GroupingKeys) > 0
			if err := rewrite.Validate(t.Definition, affectedCapable); err != nil {
				return err
			}
			if err := store.UpdateTable(ctx, t); err != nil {
				return err
			}
			fmt.Printf("Altered %s\n", t.Name)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "property to set, KEY=VALUE")
	return cmd
}

func newSuspendCommand(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "suspend NAME",
		Short: "Stop scheduling refreshes of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cc.metaStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.SetStatus(cmd.Context(), args[0], model.StatusSuspended); err != nil {
				return err
			}
			fmt.Printf("Suspended %s\n", args[0])
			return nil
		},
	}
}

func newResumeCommand(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume NAME",
		Short: "Resume scheduling refreshes of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cc.metaStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.SetStatus(cmd.Context(), args[0], model.StatusActive); err != nil {
				return err
			}
			fmt.Printf("Resumed %s\n", args[0])
			return nil
		},
	}
}

// manualPriorityBoost puts operator-requested refreshes ahead of every
// scheduled one while keeping dependency order among them.
const manualPriorityBoost = -1000

func newRefreshCommand(cc *cliContext) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "refresh [NAME]",
		Short: "Enqueue a manual refresh with elevated priority",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := cc.metaStore(ctx)
			if err != nil {
				return err
			}
			now := time.Now().UTC()

			if all {
				g, err := store.LoadGraph(ctx)
				if err != nil {
					return err
				}
				order, err := g.TopoSort()
				if err != nil {
					return err
				}
				depths := g.Depth()
				tables, err := store.ListTables(ctx)
				if err != nil {
					return err
				}
				active := make(map[string]bool)
				for _, t := range tables {
					if t.Status == model.StatusActive {
						active[t.Name] = true
					}
				}
				n := 0
				for _, name := range order {
					if !active[name] {
						continue
					}
					if err := store.Enqueue(ctx, name, now, manualPriorityBoost+depths[name]); err != nil {
						return err
					}
					n++
				}
				fmt.Printf("Enqueued %d refreshes\n", n)
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("table name or --all is required")
			}
			if _, err := store.GetTable(ctx, args[0]); err != nil {
				return err
			}
			if err := store.Enqueue(ctx, args[0], now, manualPriorityBoost); err != nil {
				return err
			}
			fmt.Printf("Enqueued refresh of %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "refresh every active table in dependency order")
	return cmd
}

func newDropCommand(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "drop NAME",
		Short: "Remove a table, its metadata and its materialized data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := cc.metaStore(ctx)
			if err != nil {
				return err
			}
			t, err := store.GetTable(ctx, args[0])
			if err != nil {
				return err
			}
			if err := store.DropTable(ctx, t.Name); err != nil {
				return err
			}
			// Dropping the materialized table is best effort; it may never
			// have been bootstrapped.
			if lk, err := cc.lakeClient(ctx); err == nil {
				_ = lk.DropTable(ctx, t.QualifiedName())
			}
			fmt.Printf("Dropped %s\n", t.Name)
			return nil
		},
	}
}

func printHistory(history []*model.HistoryEntry) {
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"Started", "Status", "Strategy", "Rows", "Keys", "Duration", "Error"})
	for _, h := range history {
		errCol := h.ErrorCode
		if errCol == "" && h.ErrorMessage != "" {
			errCol = h.ErrorMessage
		}
		w.Append([]string{
			h.StartedAt.Format(time.RFC3339),
			string(h.Status),
			string(h.Strategy),
			strconv.FormatInt(h.RowsAffected, 10),
			strconv.FormatInt(h.AffectedKeyCount, 10),
			(time.Duration(h.DurationMS) * time.Millisecond).String(),
			errCol,
		})
	}
	w.Render()
}
