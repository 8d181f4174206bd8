package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/dedup"
)

func init() {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Merge duplicate memories across all tiers",
		Run:   runDedup,
	}

	cmd.Flags().String("policy", "", "Survivor policy: newest or highestPriority (default from config)")

	RootCmd.AddCommand(cmd)
}

func runDedup(cmd *cobra.Command, args []string) {
	policyStr, _ := cmd.Flags().GetString("policy")

	var policy *dedup.Policy
	if policyStr != "" {
		p, err := dedup.ParsePolicy(policyStr)
		if err != nil {
			exitErr("dedup", err)
		}
		policy = &p
	}

	e := openEngine(cmd)
	defer e.Close()

	merged, err := e.Dedup(cmd.Context(), policy)
	if err != nil {
		exitErr("dedup", err)
	}

	fmt.Printf(`{"ok":true,"merged":%d}`+"\n", merged)
}
