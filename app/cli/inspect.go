package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCommand(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dynamic tables with status and lag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := cc.metaStore(ctx)
			if err != nil {
				return err
			}
			tables, err := store.ListTables(ctx)
			if err != nil {
				return err
			}
			lastSuccess, err := store.LastSuccessTimes(ctx)
			if err != nil {
				return err
			}

			w := tablewriter.NewWriter(os.Stdout)
			w.SetHeader([]string{"Name", "Status", "Target Lag", "Last Refresh", "Lag", "Strategy"})
			now := time.Now().UTC()
			for _, t := range tables {
				last := "never"
				lag := "-"
				if ts, ok := lastSuccess[t.Name]; ok {
					last = ts.Format(time.RFC3339)
					lag = now.Sub(ts).Round(time.Second).String()
				}
				w.Append([]string{
					t.QualifiedName(), string(t.Status), t.TargetLag.String(),
					last, lag, string(t.RefreshStrategy),
				})
			}
			w.Render()
			return nil
		},
	}
}

func newDescribeCommand(cc *cliContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "describe NAME",
		Short: "Show full properties and recent refresh history",
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
			if err := store.ResolveSources(ctx, t); err != nil {
				return err
			}

			fmt.Printf("Name:                  %s\n", t.QualifiedName())
			fmt.Printf("Status:                %s\n", t.Status)
			fmt.Printf("Target lag:            %s\n", t.TargetLag)
			fmt.Printf("Refresh strategy:      %s\n", t.RefreshStrategy)
			fmt.Printf("Grouping keys:         %v\n", t.GroupingKeys)
			fmt.Printf("Deduplication:         %v\n", t.Deduplication)
			fmt.Printf("Cardinality threshold: %g\n", t.CardinalityThreshold)
			fmt.Printf("Allow parallel:        %v\n", t.AllowParallel)
			fmt.Printf("Parallel threshold:    %d\n", t.ParallelThreshold)
			fmt.Printf("Max parallelism:       %d\n", t.MaxParallelism)
			fmt.Printf("Initialize:            %s\n", t.Initialize)
			if t.Comment != "" {
				fmt.Printf("Comment:               %s\n", t.Comment)
			}
			fmt.Printf("Created:               %s\n", t.CreatedAt.Format(time.RFC3339))
			fmt.Println("Sources:")
			for _, s := range t.Sources {
				kind := "base"
				if s.IsDynamic {
					kind = "dynamic"
				}
				fmt.Printf("  %s (%s)\n", s.Name, kind)
			}
			fmt.Println("Definition:")
			fmt.Printf("  %s\n", t.Definition)

			history, err := store.History(ctx, t.Name, limit)
			if err != nil {
				return err
			}
			if len(history) > 0 {
				fmt.Println("Recent refreshes:")
				printHistory(history)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "history entries to show")
	return cmd
}

func newHistoryCommand(cc *cliContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history NAME",
		Short: "Show the refresh log of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := cc.metaStore(ctx)
			if err != nil {
				return err
			}
			if _, err := store.GetTable(ctx, args[0]); err != nil {
				return err
			}
			history, err := store.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			printHistory(history)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "entries to show")
	return cmd
}
