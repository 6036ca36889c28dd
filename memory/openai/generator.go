// Package openai implements the candidate generation and condensation
// capabilities over the OpenAI chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/agentmem/memd/memory"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultMaxRetries = 3
)

// Client implements memory.CandidateGenerator and memory.Condenser.
type Client struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// NewClient creates a capability client. If baseURL is empty the official
// API endpoint is used; if model is empty a small default model is used.
func NewClient(apiKey, baseURL, model string, logger zerolog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
		logger: logger.With().Str("component", "openai_capability").Logger(),
	}, nil
}

const generateSystemPrompt = `You are a memory extraction module for a personal AI assistant.

From a conversation transcript, extract durable statements about the user worth remembering across sessions.

Output MUST be valid JSON with this exact shape and no extra keys:
{
  "candidates": [
    {"kind": string, "content": string, "salience": number}
  ]
}

Requirements:
- "kind" must be exactly "fact" or "preference".
- "content" must be a third-person, self-contained statement, typically starting with "The user ...".
- "salience" must be a number between 0 and 1 reflecting importance and confidence.
- Extract only stable, reusable information. Ignore transient details, small talk, and tool errors.
- Do NOT include secrets (API keys, passwords, tokens).
- If nothing is worth remembering, return {"candidates": []}.

You must output ONLY the JSON object.`

// GenerateCandidates extracts candidate memory statements from the transcript.
func (c *Client) GenerateCandidates(ctx context.Context, transcript []memory.Message) ([]memory.Candidate, error) {
	if len(transcript) == 0 {
		return nil, nil
	}

	var b strings.Builder
	for _, msg := range transcript {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}

	raw, err := c.complete(ctx, generateSystemPrompt,
		fmt.Sprintf("Extract memory candidates from this conversation:\n\n%s", b.String()))
	if err != nil {
		return nil, err
	}

	var out struct {
		Candidates []memory.Candidate `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse model JSON: %w", err)
	}
	return out.Candidates, nil
}

const condenseSystemPrompt = `You are a memory condensation module for a personal AI assistant.

You receive several near-duplicate memory statements about the same user. Rewrite them as ONE self-contained third-person statement that subsumes all of them without losing information.

Use plain text only. Output ONLY the condensed statement, with no surrounding quotes or commentary.`

// Condense rewrites a cluster of similar statements into one.
func (c *Client) Condense(ctx context.Context, contents []string) (string, error) {
	if len(contents) == 0 {
		return "", fmt.Errorf("no contents provided")
	}

	var b strings.Builder
	for i, content := range contents {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, content))
	}

	condensed, err := c.complete(ctx, condenseSystemPrompt,
		fmt.Sprintf("Condense these statements into one:\n\n%s", b.String()))
	if err != nil {
		return "", err
	}
	condensed = strings.TrimSpace(condensed)
	if condensed == "" {
		return "", fmt.Errorf("empty condensation from model")
	}
	return condensed, nil
}

// complete performs one chat completion with retry on rate limits and server
// errors. 4xx responses other than 429 are permanent.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2.0
	eb.MaxInterval = 30 * time.Second
	eb.Reset()
	policy := backoff.WithMaxRetries(eb, defaultMaxRetries)

	var result string
	operation := func() error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
		})
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				if apiErr.HTTPStatusCode == 429 {
					c.logger.Warn().Int("status", apiErr.HTTPStatusCode).Msg("rate limit encountered, retrying")
					return err
				}
				if apiErr.HTTPStatusCode < 500 {
					return backoff.Permanent(err)
				}
				c.logger.Warn().Int("status", apiErr.HTTPStatusCode).Msg("server error, retrying")
				return err
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("empty choices in response"))
		}
		result = resp.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return result, nil
}
