package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/engine"
	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories, newest first",
		Run:   runList,
	}

	cmd.Flags().String("tier", "", "Only this tier: hot, warm, cold")
	cmd.Flags().StringP("priority", "p", "", "Only this priority")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("ids-only", false, "Only output ids")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	tierStr, _ := cmd.Flags().GetString("tier")
	limit, _ := cmd.Flags().GetInt("limit")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")
	priority := parsePriorityFlag(cmd, "priority")

	var tier *model.Tier
	if tierStr != "" {
		t, err := model.ParseTier(tierStr)
		if err != nil {
			exitErr("list", err)
		}
		tier = &t
	}

	e := openEngine(cmd)
	defer e.Close()

	entries, err := e.List(cmd.Context(), engine.ListParams{Tier: tier, Priority: priority, Limit: limit})
	if err != nil {
		exitErr("list", err)
	}

	if idsOnly {
		for _, m := range entries {
			fmt.Printf("%s\t%s\n", m.Tier, m.ID)
		}
		return
	}
	for i := range entries {
		entries[i].Embedding = nil
	}
	printJSON(entries)
}
