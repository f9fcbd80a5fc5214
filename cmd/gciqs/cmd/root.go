// Package cmd provides the gciqs CLI commands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gciqs/gciqs/internal/app"
	"github.com/gciqs/gciqs/internal/corpus"
	"github.com/gciqs/gciqs/pkg/config"
	"github.com/gciqs/gciqs/pkg/logger"
	"github.com/gciqs/gciqs/pkg/postgres"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gciqs",
		Short: "Genomic knowledge retrieval and question answering",
		Long: `gciqs searches a curated genomic knowledge base with hybrid
TF-IDF + BM25 retrieval fused by reciprocal rank, and can stream
LLM answers grounded in the retrieved documents.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(logger.New(cmd.ErrOrStderr(), opts.logLevel, "text"))
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newGetCmd(opts))
	cmd.AddCommand(newSeedCmd(opts))
	cmd.AddCommand(newAskCmd(opts))

	return cmd
}

// environment is what a command needs from the configuration.
type environment struct {
	cfg    *config.Config
	source corpus.Source
	db     *postgres.Client
}

func (e *environment) Close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

func openEnvironment(ctx context.Context, opts *rootOptions) (*environment, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	env := &environment{cfg: cfg}
	if cfg.Corpus.Source == "postgres" {
		env.db, err = postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
	}
	env.source, err = app.OpenSource(ctx, cfg.Corpus, env.db)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}
