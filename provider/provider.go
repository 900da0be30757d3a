package provider

import (
	"context"
	"errors"
	"time"
)

// Client represents different provider implementations
type Client string

const (
	OpenAI Client = "openai"
)

// Message represents one turn handed to the generation capability.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EmbeddingResult carries vectors plus the model version that produced them.
// Vectors from different model versions live in different spaces and must
// never be compared against each other.
type EmbeddingResult struct {
	Vectors      [][]float32
	ModelVersion string
}

// GenerationResult is the completion returned by the generation capability.
// Certainty is nil when the provider exposes no confidence signal.
type GenerationResult struct {
	Content    string
	Certainty  *float64
	TokensUsed int
}

// Embedder is the embedding capability: idempotent for identical
// input and model version.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) (EmbeddingResult, error)
}

// Generator is the generation capability. Calls are not assumed safe to
// retry; the caller decides.
type Generator interface {
	Generate(ctx context.Context, system string, history []Message, prompt string) (GenerationResult, error)
}

// Provider bundles both capabilities behind one remote service.
type Provider interface {
	Embedder
	Generator
	ModelVersion() string
}

// Options configures a concrete provider client.
type Options struct {
	APIKey          string
	BaseURL         string
	CompletionModel string
	EmbeddingModel  string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
}

// NewProvider creates a new provider client based on the provided configuration
func NewProvider(client Client, opts Options) (Provider, error) {
	switch client {
	case OpenAI:
		if opts.APIKey == "" {
			return nil, errors.New("openai api key not set")
		}
		return newOpenAIClient(opts), nil
	default:
		return nil, errors.New("unsupported provider")
	}
}
