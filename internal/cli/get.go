package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve a memory by id",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	e := openEngine(cmd)
	defer e.Close()

	entry, err := e.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	entry.Embedding = nil

	printJSON(entry)
}
