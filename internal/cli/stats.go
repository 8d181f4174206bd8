package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-tier statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	e := openEngine(cmd)
	defer e.Close()

	stats, err := e.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}

	if textOutput() {
		printStatsText(stats)
		return
	}
	printJSON(stats)
}

func printStatsText(st *engine.Stats) {
	for _, t := range st.Tiers {
		capacity := "unbounded"
		if t.Capacity > 0 {
			capacity = humanize.Comma(int64(t.Capacity))
		}
		fmt.Printf("%-4s  %8s entries  %9s  cap %-9s  %s+%s  unembedded %d  %v\n",
			t.Tier, humanize.Comma(int64(t.Count)), humanize.Bytes(uint64(t.SizeBytes)), capacity,
			t.LexicalKind, t.VectorKind, t.Unembedded, t.ByPriority)
	}
	fmt.Printf("total %s entries\n", humanize.Comma(int64(st.Total)))

	switch {
	case !st.Embedding.Configured:
		fmt.Println("embedding: not configured (lexical only)")
	case st.Embedding.Available:
		fmt.Printf("embedding: available (%d dims)\n", st.Embedding.Dims)
	default:
		fmt.Println("embedding: unavailable")
	}

	fmt.Printf("thresholds: hot %s, cold %s, transient %s\n", st.Thresholds.Hot, st.Thresholds.Cold, st.Thresholds.Transient)
	if m := st.LastMaintenance; m != nil {
		fmt.Printf("last maintenance %s: migrated %d, deleted %d, merged %d, failed %d (%s)\n",
			humanize.Time(m.StartedAt), m.Migrated, m.Deleted, m.Merged, m.Failed, m.Duration.Round(time.Millisecond))
	} else {
		fmt.Println("last maintenance: never in this process")
	}
}
