// Package cli implements the tiered-memory CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/archiver"
	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/dedup"
	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/engine"
	"github.com/rcliao/tiered-memory/internal/model"
)

var (
	dataDir    string
	configPath string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "tiered-memory",
	Short: "Tiered hybrid-retrieval memory for AI agents",
	Long: "A memory engine with hot, warm and cold tiers. Entries are found by keyword and\n" +
		"by meaning, age out of the hot tier, expire when transient, and are deduplicated.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dataDir, "dir", "d", "", "Data directory (default: $TIERED_MEMORY_DIR or ~/.tiered-memory)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $TIERED_MEMORY_CONFIG or ~/.tiered-memory/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// newLogger writes human-readable logs to stderr so stdout stays machine-readable.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(lvl).With().Timestamp().Logger()
}

// engineOptions maps the config file onto engine options.
func engineOptions(ctx context.Context, cfg *config.Config, log zerolog.Logger) (engine.Options, error) {
	policy, err := dedup.ParsePolicy(cfg.Dedup.Policy)
	if err != nil {
		return engine.Options{}, err
	}

	emb, err := embedding.New(ctx, embedding.Options{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		URL:       cfg.Embedding.URL,
		APIKey:    cfg.APIKey(),
		Dims:      cfg.Embedding.Dims,
		CacheSize: cfg.Embedding.CacheSize,
	})
	if err != nil {
		// The engine runs lexical-only without a provider.
		log.Warn().Err(err).Msg("embedding provider disabled")
		emb = nil
	}

	tier := func(t config.TierConfig) engine.TierOptions {
		return engine.TierOptions{Capacity: t.Capacity, Lexical: t.Lexical, Vector: t.Vector}
	}
	return engine.Options{
		Dir: cfg.DataDir,
		Tiers: map[model.Tier]engine.TierOptions{
			model.Hot:  tier(cfg.Tiers.Hot),
			model.Warm: tier(cfg.Tiers.Warm),
			model.Cold: tier(cfg.Tiers.Cold),
		},
		Policy: archiver.Policy{
			HotAfter:       cfg.Thresholds.Hot.Std(),
			ColdAfter:      cfg.Thresholds.Cold.Std(),
			TransientAfter: cfg.Thresholds.Transient.Std(),
		},
		Schedule:       cfg.Maintenance.Schedule,
		Embedder:       emb,
		EmbedTimeout:   cfg.Embedding.Timeout.Std(),
		RRFK:           cfg.Search.RRFK,
		LexicalWeight:  cfg.Search.LexicalWeight,
		VectorWeight:   cfg.Search.VectorWeight,
		TierTimeout:    cfg.Search.TierTimeout.Std(),
		Deadline:       cfg.Search.Deadline.Std(),
		DedupThreshold: cfg.Dedup.Threshold,
		DedupPolicy:    policy,
		BackfillBatch:  cfg.Maintenance.BackfillBatch,
		Logger:         log,
	}, nil
}

func openEngine(cmd *cobra.Command) *engine.Engine {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	log := newLogger(cfg.Log.Level)

	opts, err := engineOptions(cmd.Context(), cfg, log)
	if err != nil {
		exitErr("configure", err)
	}
	e, err := engine.New(cmd.Context(), opts)
	if err != nil {
		exitErr("open engine", err)
	}
	return e
}

func parseDepth(cmd *cobra.Command) model.Depth {
	s, _ := cmd.Flags().GetString("depth")
	d, err := model.ParseDepth(s)
	if err != nil {
		exitErr("depth", err)
	}
	return d
}

func parsePriorityFlag(cmd *cobra.Command, name string) *model.Priority {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return nil
	}
	p, err := model.ParsePriority(s)
	if err != nil {
		exitErr(name, err)
	}
	return &p
}

func textOutput() bool {
	return strings.EqualFold(formatFlag, "text")
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
