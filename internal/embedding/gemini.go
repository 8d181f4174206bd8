package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiEmbedder uses the Gemini embedding API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dims   int
}

// NewGeminiEmbedder creates an embedder backed by the Gemini API.
// An empty apiKey lets the SDK read GEMINI_API_KEY or GOOGLE_API_KEY.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = "text-embedding-004"
	}
	return &GeminiEmbedder{client: client, model: model, dims: 768}, nil
}

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Embeddings[0].Values, nil
}

func (e *GeminiEmbedder) Dims() int { return e.dims }
