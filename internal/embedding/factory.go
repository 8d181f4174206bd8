package embedding

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Options selects and configures a provider.
type Options struct {
	Provider  string // "ollama" | "openai" | "gemini" | "hash" | "" (disabled)
	Model     string
	URL       string
	APIKey    string
	Dims      int
	CacheSize int64 // 0 disables the cache
}

// OptionsFromEnv reads provider settings from the environment.
// TIERED_MEMORY_EMBED_PROVIDER: "ollama" | "openai" | "gemini" | "hash" | "" (disabled)
// TIERED_MEMORY_EMBED_MODEL: model name
// TIERED_MEMORY_EMBED_URL: base URL override
// OPENAI_API_KEY / GEMINI_API_KEY: credentials for the hosted providers
func OptionsFromEnv() Options {
	o := Options{
		Provider: os.Getenv("TIERED_MEMORY_EMBED_PROVIDER"),
		Model:    os.Getenv("TIERED_MEMORY_EMBED_MODEL"),
		URL:      os.Getenv("TIERED_MEMORY_EMBED_URL"),
	}
	switch strings.ToLower(o.Provider) {
	case "openai":
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	case "gemini":
		o.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	return o
}

// New builds the configured embedder. It returns (nil, nil) when embeddings are disabled.
func New(ctx context.Context, o Options) (Embedder, error) {
	var e Embedder
	switch strings.ToLower(o.Provider) {
	case "":
		return nil, nil
	case "ollama":
		e = NewOllamaEmbedder(o.URL, o.Model)
	case "openai":
		e = NewOpenAIEmbedder(o.URL, o.APIKey, o.Model, o.Dims)
	case "gemini":
		g, err := NewGeminiEmbedder(ctx, o.APIKey, o.Model)
		if err != nil {
			return nil, err
		}
		e = g
	case "hash":
		e = NewHashEmbedder(o.Dims)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", o.Provider)
	}

	if o.CacheSize > 0 {
		c, err := NewCached(e, o.CacheSize)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return e, nil
}

// NewFromEnv creates an embedder from environment variables, or nil if disabled or misconfigured.
func NewFromEnv() Embedder {
	e, err := New(context.Background(), OptionsFromEnv())
	if err != nil {
		return nil
	}
	return e
}
