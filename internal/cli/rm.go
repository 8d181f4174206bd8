package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memory from every tier",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	e := openEngine(cmd)
	defer e.Close()

	if err := e.Delete(cmd.Context(), args[0]); err != nil {
		exitErr("rm", err)
	}

	fmt.Printf(`{"ok":true,"id":%q}`+"\n", args[0])
}
