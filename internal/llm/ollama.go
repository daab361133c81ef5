package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaClient talks to a local Ollama server. One client serves a single
// model, either for completions or for embeddings.
type OllamaClient struct {
	baseURL   string
	client    *http.Client
	model     string
	dimension int
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the model name (default: qwen2.5:7b)
	Model string

	// Dimension is the embedding length the model produces. Only needed
	// when the client is used as an Embedder.
	Dimension int

	// Timeout is the request timeout duration (default: 30s)
	Timeout time.Duration
}

// generateRequest represents the request body for /api/generate endpoint
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

// generateResponse represents the response from /api/generate endpoint
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// embedRequest represents the request body for /api/embed endpoint.
// Input accepts a list, so a whole batch goes in one request.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse represents the response from /api/embed endpoint
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a new Ollama client with the given configuration.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "qwen2.5:7b"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &OllamaClient{
		baseURL:   config.BaseURL,
		client:    &http.Client{Timeout: config.Timeout},
		model:     config.Model,
		dimension: config.Dimension,
	}
}

// Complete sends a completion request and returns the response text.
// The server is asked for JSON output, which every judge prompt expects.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	var resp generateResponse
	err := postJSON(ctx, c.client, "ollama", c.baseURL+"/api/generate", nil, generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Format: "json",
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// Embed generates the embedding of one text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for every text in one request.
func (c *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embedResponse
	if err := postJSON(ctx, c.client, "ollama", c.baseURL+"/api/embed", nil, embedRequest{
		Model: c.model,
		Input: texts,
	}, &resp); err != nil {
		return nil, err
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	for i, v := range resp.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("ollama returned empty embedding vector at %d", i)
		}
	}
	return resp.Embeddings, nil
}

// Dimension returns the configured embedding length.
func (c *OllamaClient) Dimension() int {
	return c.dimension
}

// HealthCheck verifies that Ollama is reachable by checking the /api/version endpoint.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

var (
	_ TextGenerator = (*OllamaClient)(nil)
	_ Embedder      = (*OllamaClient)(nil)
)
