// Package ollama implements the embedding and condensation capabilities over
// a local Ollama instance.
package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/agentmem/memd/memory"
)

type Model string

const (
	ModelMXBAI Model = "mxbai-embed-large"
)

type embedder struct {
	client *api.Client
	model  Model
}

// NewEmbedder returns an Ollama-backed embedder for the similarity capability.
func NewEmbedder(model Model) (memory.Embedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	return &embedder{client: cli, model: model}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned for model %q", e.model)
	}
	return resp.Embeddings[0], nil
}

// Condenser implements memory.Condenser using a local generation model.
type Condenser struct {
	client *api.Client
	model  string
}

// NewCondenser creates a condenser with the specified Ollama model.
func NewCondenser(model string) (*Condenser, error) {
	if model == "" {
		model = "llama3.2:3b"
	}
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &Condenser{client: cli, model: model}, nil
}

// Condense rewrites several near-duplicate memory statements into one.
func (c *Condenser) Condense(ctx context.Context, contents []string) (string, error) {
	if len(contents) == 0 {
		return "", fmt.Errorf("no contents provided")
	}

	systemPrompt := `You are a memory condensation assistant. You receive several near-duplicate statements about a user and must rewrite them as one self-contained third-person statement that preserves all information.

Rules:
- Produce a single concise statement
- Do not omit details present in the inputs
- Use plain text only (no markdown, no lists)
- Output only the condensed statement`

	var b strings.Builder
	for i, content := range contents {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, content))
	}
	userPrompt := fmt.Sprintf("Condense the following statements into one:\n\n%s", b.String())

	var responseBuilder strings.Builder
	stream := false
	req := &api.GenerateRequest{
		Model:  c.model,
		Prompt: userPrompt,
		System: systemPrompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.1,
		},
	}

	err := c.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		responseBuilder.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate condensation: %w", err)
	}

	condensed := strings.TrimSpace(responseBuilder.String())
	if condensed == "" {
		return "", fmt.Errorf("received empty condensation from model")
	}
	return condensed, nil
}
