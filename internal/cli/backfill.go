package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed memories stored while the provider was unavailable",
		Run:   runBackfill,
	}

	cmd.Flags().IntP("batch", "b", 500, "Max entries per tier")

	RootCmd.AddCommand(cmd)
}

func runBackfill(cmd *cobra.Command, args []string) {
	batch, _ := cmd.Flags().GetInt("batch")

	e := openEngine(cmd)
	defer e.Close()

	n, err := e.Backfill(cmd.Context(), batch)
	if err != nil {
		exitErr("backfill", err)
	}

	fmt.Printf(`{"ok":true,"embedded":%d}`+"\n", n)
}
