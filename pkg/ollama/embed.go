// Package ollama provides product text embeddings via Ollama's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopstack/recsync/pkg/fn"
	"golang.org/x/time/rate"
)

// ErrEmptyText is returned when the input is empty after normalization and
// cannot be embedded.
var ErrEmptyText = errors.New("ollama: text empty after normalization")

// Client calls the Ollama embeddings endpoint for a fixed model. A fixed
// model and input always produce the same vector, so re-embedding on re-runs
// is safe.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	retry   fn.RetryOpts
}

// New creates an embedding client for the given Ollama base URL and model.
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
		// Embedding inference is the slowest hop; cap outbound pressure.
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		retry:   fn.DefaultRetry,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(embedReq{Model: c.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("ollama embed: status %d", resp.StatusCode)
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama embed: empty embedding for model %s", c.model)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Embed returns the embedding vector for a single text. Transient transport
// failures are retried here so callers see only the final outcome.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return fn.Do(ctx, c.retry, func(ctx context.Context) ([]float32, error) {
		return c.embedOnce(ctx, text)
	})
}

// EmbedBatch embeds each text, preserving input order. A text that cannot be
// embedded yields an Err result for that position only; the rest of the batch
// proceeds. Returns early with context errors filled in once ctx is done.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) []fn.Result[[]float32] {
	out := make([]fn.Result[[]float32], len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			for ; i < len(texts); i++ {
				out[i] = fn.Err[[]float32](err)
			}
			break
		}
		out[i] = fn.FromPair(c.Embed(ctx, text))
	}
	return out
}

// Dimensions probes the model with a short text and returns the vector length.
// Called once at startup to verify the collection's configured dimensionality.
func (c *Client) Dimensions(ctx context.Context) (int, error) {
	vec, err := c.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, fmt.Errorf("ollama dimensions: %w", err)
	}
	return len(vec), nil
}
