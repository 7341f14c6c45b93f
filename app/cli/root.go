// Package cli implements the dynctl operator commands.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/config"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metadata"
)

// cliContext carries the handles every subcommand needs. The lake client is
// opened lazily; most commands only touch the metadata store.
type cliContext struct {
	cfg    config.Config
	logger *zap.Logger
	meta   *metadata.Store
	lk     *lake.Client
}

func (c *cliContext) metaStore(ctx context.Context) (*metadata.Store, error) {
	if c.meta != nil {
		return c.meta, nil
	}
	store, err := metadata.Open(ctx, c.logger, c.cfg.MetadataDSN)
	if err != nil {
		return nil, err
	}
	c.meta = store
	return store, nil
}

func (c *cliContext) lakeClient(ctx context.Context) (*lake.Client, error) {
	if c.lk != nil {
		return c.lk, nil
	}
	client, err := lake.Open(ctx, c.logger, c.cfg)
	if err != nil {
		return nil, err
	}
	c.lk = client
	return client, nil
}

func (c *cliContext) close() {
	if c.meta != nil {
		_ = c.meta.Close()
	}
	if c.lk != nil {
		_ = c.lk.Close()
	}
}

// NewRootCommand builds the dynctl command tree.
func NewRootCommand() *cobra.Command {
	cc := &cliContext{
		cfg:    config.FromEnv(),
		logger: zap.NewNop(),
	}

	root := &cobra.Command{
		Use:           "dynctl",
		Short:         "Manage dynamic tables",
		Long:          "dynctl creates, inspects and controls dynamic tables kept fresh by the refresh engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentPostRun = func(*cobra.Command, []string) { cc.close() }

	root.AddCommand(
		newCreateCommand(cc),
		newValidateCommand(cc),
		newListCommand(cc),
		newDescribeCommand(cc),
		newAlterCommand(cc),
		newSuspendCommand(cc),
		newResumeCommand(cc),
		newRefreshCommand(cc),
		newDropCommand(cc),
		newHistoryCommand(cc),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
