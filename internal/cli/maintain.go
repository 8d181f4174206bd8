package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass now",
		Long:  "Migrate aged entries to colder tiers, expire transient entries, merge duplicates and backfill embeddings.",
		Run:   runMaintain,
	}

	RootCmd.AddCommand(cmd)
}

func runMaintain(cmd *cobra.Command, args []string) {
	e := openEngine(cmd)
	defer e.Close()

	res, err := e.RunMaintenance(cmd.Context())
	if err != nil {
		exitErr("maintain", err)
	}

	printJSON(res)
}
