package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/engine"
	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory in the hot tier. Content can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("priority", "p", "session", "Priority: transient, session, core")
	cmd.Flags().StringP("source", "s", "", "Free-form provenance")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	source, _ := cmd.Flags().GetString("source")
	priority := parsePriorityFlag(cmd, "priority")
	if priority == nil {
		p := model.Session
		priority = &p
	}

	// Get content: positional arg first, then check stdin
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}

	if strings.TrimSpace(content) == "" {
		exitErr("put", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	e := openEngine(cmd)
	defer e.Close()

	res, err := e.Write(cmd.Context(), engine.WriteParams{
		Content:  strings.TrimSpace(content),
		Priority: *priority,
		Source:   source,
	})
	if err != nil {
		exitErr("put", err)
	}
	if res.EmbeddingUnavailable {
		fmt.Fprintln(os.Stderr, "warning: stored without embedding (lexical search only until backfilled)")
	}

	printJSON(res)
}
