package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "upgrade <id> <priority>",
		Short: "Raise a memory's priority",
		Long:  "Raise a memory's priority (transient < session < core). Priorities are never lowered.",
		Args:  cobra.ExactArgs(2),
		Run:   runUpgrade,
	}

	RootCmd.AddCommand(cmd)
}

func runUpgrade(cmd *cobra.Command, args []string) {
	level, err := model.ParsePriority(args[1])
	if err != nil {
		exitErr("upgrade", err)
	}

	e := openEngine(cmd)
	defer e.Close()

	entry, err := e.Upgrade(cmd.Context(), args[0], level)
	if err != nil {
		exitErr("upgrade", err)
	}
	entry.Embedding = nil

	printJSON(entry)
}
