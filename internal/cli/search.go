package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories by keyword and meaning",
		Long:  "Query the tiers covered by --depth in parallel and fuse lexical and vector rankings.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().IntP("limit", "l", 10, "Max results")
	cmd.Flags().String("depth", "warm", "Tiers to search: hot, warm (hot+warm), all")
	cmd.Flags().StringP("priority", "p", "", "Only return this priority")
	cmd.Flags().Float64("min-score", 0, "Drop results scoring below this")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	depth := parseDepth(cmd)
	priority := parsePriorityFlag(cmd, "priority")
	query := strings.Join(args, " ")

	e := openEngine(cmd)
	defer e.Close()

	resp, err := e.Search(cmd.Context(), engine.SearchParams{
		Query:    query,
		TopK:     limit,
		Depth:    depth,
		Priority: priority,
		MinScore: minScore,
	})
	if err != nil {
		exitErr("search", err)
	}

	if resp.Truncated {
		fmt.Fprintf(os.Stderr, "warning: partial result, tiers left out: %v\n", resp.Missing)
	}
	if textOutput() {
		for _, r := range resp.Results {
			fmt.Printf("%.4f  %-4s  %-9s  %s  %s\n", r.Score, r.Tier, r.Priority, r.ID, oneLine(r.Content, 80))
		}
		return
	}
	printJSON(resp)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
