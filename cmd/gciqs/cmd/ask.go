package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gciqs/gciqs/internal/app"
	"github.com/gciqs/gciqs/internal/corpus"
	"github.com/gciqs/gciqs/internal/llm"
	"github.com/gciqs/gciqs/internal/retrieval"
	"github.com/gciqs/gciqs/pkg/metrics"
)

func newAskCmd(root *rootOptions) *cobra.Command {
	var (
		topK     int
		showRefs bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Stream an LLM answer grounded in retrieved documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openEnvironment(ctx, root)
			if err != nil {
				return err
			}
			defer env.Close()

			client := llm.New(env.cfg.LLM, metrics.New())
			if !client.Configured() {
				return llm.ErrNotConfigured
			}

			query := strings.Join(args, " ")
			r := retrieval.New(env.source, app.RetrieverOptions(env.cfg.Retrieval, nil))
			hits, err := r.Search(ctx, query, min(topK, env.cfg.Retrieval.MaxTopK))
			if err != nil {
				return err
			}
			docs := make([]corpus.Document, len(hits))
			for i, hit := range hits {
				docs[i] = hit.Document
			}

			out := cmd.OutOrStdout()
			if showRefs {
				writeHits(out, query, hits)
				fmt.Fprintln(out)
			}
			err = client.Stream(ctx, query, docs, func(token string) error {
				_, err := fmt.Fprint(out, token)
				return err
			})
			fmt.Fprintln(out)
			return err
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Number of documents to retrieve as context")
	cmd.Flags().BoolVar(&showRefs, "refs", true, "Print the retrieved references before the answer")

	return cmd
}
