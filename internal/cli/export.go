package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSON",
		Long:  "Export every memory in every tier as a JSON array, embeddings included.",
		Run:   runExport,
	}

	cmd.Flags().Bool("no-embeddings", false, "Omit embedding vectors")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	noEmbed, _ := cmd.Flags().GetBool("no-embeddings")

	e := openEngine(cmd)
	defer e.Close()

	entries, err := e.Export(cmd.Context())
	if err != nil {
		exitErr("export", err)
	}
	if noEmbed {
		for i := range entries {
			entries[i].Embedding = nil
		}
	}

	printJSON(entries)
}
