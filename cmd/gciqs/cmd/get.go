package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newGetCmd(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print one document from the configured corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer env.Close()

			doc, err := env.source.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, doc)
			}
			fmt.Fprintf(out, "[%s] %s\nType: %s | Gene: %s\n\n%s\n", doc.ID, doc.Title, doc.Type, doc.Gene, doc.Content)
			if len(doc.References) > 0 {
				fmt.Fprintf(out, "\nReferences: %s\n", strings.Join(doc.References, "; "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the document as JSON")

	return cmd
}
