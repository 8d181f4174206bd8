package cli

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/dedup"
	"github.com/rcliao/tiered-memory/internal/model"
)

func TestEngineOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Thresholds.Hot = config.Duration(48 * time.Hour)
	cfg.Tiers.Warm.Capacity = 7
	cfg.Dedup.Policy = "newest"
	cfg.Embedding.Provider = "hash"

	opts, err := engineOptions(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("engineOptions: %v", err)
	}
	if opts.Policy.HotAfter != 48*time.Hour {
		t.Errorf("hot threshold = %s", opts.Policy.HotAfter)
	}
	if opts.Tiers[model.Warm].Capacity != 7 {
		t.Errorf("warm capacity = %d", opts.Tiers[model.Warm].Capacity)
	}
	if opts.DedupPolicy != dedup.Newest {
		t.Errorf("dedup policy = %s", opts.DedupPolicy)
	}
	if opts.Embedder == nil {
		t.Error("expected hash embedder")
	}
}

func TestEngineOptions_UnknownProviderRunsLexicalOnly(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Embedding.Provider = "carrier-pigeon"

	opts, err := engineOptions(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("engineOptions: %v", err)
	}
	if opts.Embedder != nil {
		t.Error("expected no embedder")
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n  b\tc", 80); got != "a b c" {
		t.Errorf("oneLine = %q", got)
	}
	if got := oneLine("abcdef", 3); got != "abc..." {
		t.Errorf("oneLine = %q", got)
	}
}
