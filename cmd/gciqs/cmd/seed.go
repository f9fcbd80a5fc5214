package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gciqs/gciqs/internal/corpus"
	corpuspg "github.com/gciqs/gciqs/internal/corpus/postgres"
	"github.com/gciqs/gciqs/pkg/config"
	"github.com/gciqs/gciqs/pkg/postgres"
)

func newSeedCmd(root *rootOptions) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Copy a corpus into the Postgres documents table",
		Long: `Seed replaces the Postgres corpus with the embedded knowledge base,
or with the YAML file given by --from. Documents missing from the input
are deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}

			var src *corpus.Static
			if from != "" {
				src, err = corpus.FromFile(from)
			} else {
				src, err = corpus.Embedded()
			}
			if err != nil {
				return err
			}
			docs, err := src.All(ctx)
			if err != nil {
				return err
			}

			db, err := postgres.New(ctx, cfg.Postgres)
			if err != nil {
				return fmt.Errorf("connecting to postgres: %w", err)
			}
			defer db.Close()

			store := corpuspg.NewStore(db)
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			if err := store.Seed(ctx, docs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d documents into %s\n", len(docs), cfg.Postgres.Database)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "YAML corpus file to seed instead of the embedded knowledge base")

	return cmd
}
