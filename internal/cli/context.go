package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble relevant memories for a task",
		Long:  "Search and score memories, then greedily pack them into a token budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().IntP("budget", "b", 4000, "Max tokens in output")
	cmd.Flags().String("depth", "all", "Tiers to search: hot, warm (hot+warm), all")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	budget, _ := cmd.Flags().GetInt("budget")
	depth := parseDepth(cmd)
	query := strings.Join(args, " ")

	e := openEngine(cmd)
	defer e.Close()

	result, err := e.Context(cmd.Context(), engine.ContextParams{
		Query:  query,
		Depth:  depth,
		Budget: budget,
	})
	if err != nil {
		exitErr("context", err)
	}

	printJSON(result)
}
