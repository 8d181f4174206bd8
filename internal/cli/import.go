package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import memories from JSON",
		Long:  "Import memories from JSON (file or stdin). Expects the format produced by export.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var in io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open", err)
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		exitErr("read input", err)
	}

	var entries []model.MemoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		exitErr("parse json", err)
	}

	e := openEngine(cmd)
	defer e.Close()

	res, err := e.Import(cmd.Context(), entries)
	if err != nil {
		exitErr("import", err)
	}

	printJSON(res)
}
