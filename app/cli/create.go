package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metadata"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/rewrite"
)

func newCreateCommand(cc *cliContext) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create -f FILE",
		Short: "Create a dynamic table from a CREATE DYNAMIC TABLE file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := parseDefinitionFile(file)
			if err != nil {
				return err
			}
			store, err := cc.metaStore(ctx)
			if err != nil {
				return err
			}
			if err := checkAgainstRegistry(ctx, store, t); err != nil {
				return err
			}
			if err := store.CreateTable(ctx, t); err != nil {
				return err
			}
			if t.Initialize == model.InitializeOnCreate {
				if err := store.Enqueue(ctx, t.Name, time.Now().UTC(), 0); err != nil {
					return err
				}
			}
			fmt.Printf("Created dynamic table %s\n", t.QualifiedName())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newValidateCommand(cc *cliContext) *cobra.Command {
	var file, format string
	cmd := &cobra.Command{
		Use:   "validate -f FILE",
		Short: "Validate a definition without persisting it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, parseErr := parseDefinitionFile(file)
			var checkErr error
			if parseErr == nil {
				store, err := cc.metaStore(ctx)
				if err != nil {
					return err
				}
				checkErr = checkAgainstRegistry(ctx, store, t)
			}

			if format == "json" {
				out := map[string]interface{}{"valid": parseErr == nil && checkErr == nil}
				if parseErr != nil {
					out["error"] = parseErr.Error()
				} else {
					out["name"] = t.QualifiedName()
					out["grouping_keys"] = t.GroupingKeys
					sources := make([]string, 0, len(t.Sources))
					for _, s := range t.Sources {
						sources = append(sources, s.Name)
					}
					out["sources"] = sources
					if checkErr != nil {
						out["error"] = checkErr.Error()
					}
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			if parseErr != nil {
				return parseErr
			}
			if checkErr != nil {
				return checkErr
			}
			fmt.Printf("Definition of %s is valid\n", t.QualifiedName())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file (required)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// parseDefinitionFile parses the DDL and derives sources and grouping keys
// from the definition query.
func parseDefinitionFile(path string) (*model.DynamicTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	t, err := model.ParseDDL(string(raw))
	if err != nil {
		return nil, err
	}

	sources, err := rewrite.Sources(t.Definition)
	if err != nil {
		return nil, err
	}
	for _, s := range sources {
		t.Sources = append(t.Sources, model.SourceRef{Name: s})
	}

	keys, err := rewrite.GroupingKeys(t.Definition)
	if err != nil {
		return nil, err
	}
	t.GroupingKeys = keys

	affectedCapable := t.RefreshStrategy != model.StrategyFull && len(keys) > 0
	if err := rewrite.Validate(t.Definition, affectedCapable); err != nil {
		return nil, err
	}
	if t.RefreshStrategy == model.StrategyAffectedKeys && len(keys) == 0 {
		return nil, fmt.Errorf("refresh_strategy affected_keys requires a GROUP BY")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// checkAgainstRegistry marks dynamic-table sources and rejects cycles.
func checkAgainstRegistry(ctx context.Context, store *metadata.Store, t *model.DynamicTable) error {
	existing, err := store.ListTables(ctx)
	if err != nil {
		return err
	}
	registered := make(map[string]bool, len(existing))
	for _, e := range existing {
		registered[e.Name] = true
	}
	var upstreams []string
	for i := range t.Sources {
		if registered[t.Sources[i].Name] {
			t.Sources[i].IsDynamic = true
			upstreams = append(upstreams, t.Sources[i].Name)
		}
	}

	g, err := store.LoadGraph(ctx)
	if err != nil {
		return err
	}
	if err := g.AddTable(t.Name, upstreams); err != nil {
		return err
	}
	return nil
}
