package pool

import (
	"context"
	"fmt"

	kobanErrors "github.com/okabedev/koban/internal/errors"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// ClientFactory constructs a provider client from a credential string. The
// pool treats the result as opaque; only construction and identity matter.
type ClientFactory interface {
	NewClient(credentialKey string) (any, error)
}

// FactoryFunc adapts a function to a ClientFactory.
type FactoryFunc func(credentialKey string) (any, error)

func (f FactoryFunc) NewClient(credentialKey string) (any, error) {
	return f(credentialKey)
}

type AnthropicFactory struct{}

func (AnthropicFactory) NewClient(credentialKey string) (any, error) {
	if credentialKey == "" {
		return nil, kobanErrors.InvalidInput("anthropic client requires an API key")
	}
	client := anthropic.NewClient(option.WithAPIKey(credentialKey))
	return &client, nil
}

type OpenAIFactory struct{}

func (OpenAIFactory) NewClient(credentialKey string) (any, error) {
	if credentialKey == "" {
		return nil, kobanErrors.InvalidInput("openai client requires an API key")
	}
	return openai.NewClient(credentialKey), nil
}

type GeminiFactory struct{}

func (GeminiFactory) NewClient(credentialKey string) (any, error) {
	if credentialKey == "" {
		return nil, kobanErrors.InvalidInput("gemini client requires an API key")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: credentialKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, kobanErrors.Wrap(err, "create gemini client")
	}
	return client, nil
}

// NewFactory resolves a provider name to its client factory.
func NewFactory(provider string) (ClientFactory, error) {
	switch provider {
	case "anthropic":
		return AnthropicFactory{}, nil
	case "openai":
		return OpenAIFactory{}, nil
	case "gemini":
		return GeminiFactory{}, nil
	default:
		return nil, kobanErrors.InvalidInput(fmt.Sprintf("unknown provider type: %s", provider))
	}
}
