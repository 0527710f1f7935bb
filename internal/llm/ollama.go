package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// Ollama generates text with a local Ollama server.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama creates an Ollama generator. An empty baseURL falls back to
// OLLAMA_HOST / the default local address.
func NewOllama(baseURL, model string) (*Ollama, error) {
	if model == "" {
		model = "llama3.1"
	}

	var client *api.Client
	if baseURL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		client = c
	} else {
		if !strings.Contains(baseURL, "://") {
			baseURL = "http://" + baseURL
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid Ollama URL %q: %w", baseURL, err)
		}
		client = api.NewClient(u, http.DefaultClient)
	}
	return &Ollama{client: client, model: model}, nil
}

// Generate runs a non-streaming completion.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	var sb strings.Builder
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: &stream,
	}, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", err
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response from %s", o.model)
	}
	return sb.String(), nil
}

func (o *Ollama) Name() string { return "ollama/" + o.model }
