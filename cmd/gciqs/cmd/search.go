package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gciqs/gciqs/internal/app"
	"github.com/gciqs/gciqs/internal/retrieval"
)

type searchOptions struct {
	topK   int
	format string
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid search against the configured corpus",
		Example: `  gciqs search "KRAS G12C inhibitors"
  gciqs search BRCA1 repair -k 3 --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("unknown format %q (want text or json)", opts.format)
			}
			env, err := openEnvironment(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer env.Close()

			r := retrieval.New(env.source, app.RetrieverOptions(env.cfg.Retrieval, nil))
			query := strings.Join(args, " ")
			hits, err := r.Search(cmd.Context(), query, opts.topK)
			if err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), hits)
			}
			writeHits(cmd.OutOrStdout(), query, hits)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.topK, "top-k", "k", 5, "Number of documents to return")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func writeHits(w io.Writer, query string, hits []retrieval.Hit) {
	if len(hits) == 0 {
		fmt.Fprintf(w, "No results for %q\n", query)
		return
	}
	fmt.Fprintf(w, "Results for %q:\n\n", query)
	for i, hit := range hits {
		gene := hit.Gene
		if gene == "" {
			gene = "N/A"
		}
		fmt.Fprintf(w, "%2d. [%s] %s\n    type=%s gene=%s score=%.4f\n", i+1, hit.ID, hit.Title, hit.Type, gene, hit.Score)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
