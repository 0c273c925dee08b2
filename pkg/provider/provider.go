// Package provider abstracts the LLM vendors behind a single request/
// response surface. The engine treats a provider as an opaque network
// service; everything vendor-specific lives in the adapters here.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Vendor names accepted in configuration.
const (
	VendorAnthropic = "anthropic"
	VendorOpenAI    = "openai"
)

// Provider is the immutable model configuration shared by reference
// across agents.
type Provider struct {
	Vendor      string  `json:"vendor,omitempty" mapstructure:"vendor"`
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	TopP        float64 `json:"top_p,omitempty" mapstructure:"top_p"`
	APIKey      string  `json:"-" mapstructure:"api_key"`

	// Rate ceilings. Zero means unlimited.
	RequestsPerMinute int `json:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty" mapstructure:"tokens_per_minute"`
}

// ResolveVendor returns the configured vendor, falling back to a
// model-name prefix heuristic when it is unset.
func (p *Provider) ResolveVendor() (string, error) {
	if p.Vendor != "" {
		return p.Vendor, nil
	}
	switch {
	case strings.HasPrefix(p.Model, "claude-"):
		return VendorAnthropic, nil
	case strings.HasPrefix(p.Model, "gpt-"), strings.HasPrefix(p.Model, "o1"),
		strings.HasPrefix(p.Model, "o3"), strings.HasPrefix(p.Model, "o4"):
		return VendorOpenAI, nil
	}
	return "", fmt.Errorf("cannot infer vendor for model %q; set vendor explicitly", p.Model)
}

// Key identifies the rate-limit bucket this provider shares. Providers
// with the same vendor and model draw from one bucket.
func (p *Provider) Key() string {
	vendor, err := p.ResolveVendor()
	if err != nil {
		vendor = "unknown"
	}
	return vendor + "/" + p.Model
}

// Message is one step of the vendor-neutral conversation sent to a
// model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCallRequest
	ToolCallID string
}

// ToolCallRequest is a tool invocation proposed by the model.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolDef describes a callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ChatRequest contains the parameters for one model round trip.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	System      string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Usage is the token accounting for one round trip.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is the model's answer to one round trip.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCallRequest
	Usage     Usage
}

// LLMProvider is the surface the engine calls. Implementations must be
// safe for concurrent use.
type LLMProvider interface {
	// Call makes a single model round trip.
	Call(ctx context.Context, request ChatRequest) (*ChatResponse, error)

	// Vendor returns the vendor name.
	Vendor() string
}

// Creator builds concrete providers from configuration. The engine
// accepts this as an interface so tests can inject fakes.
type Creator interface {
	NewProvider(p *Provider) (LLMProvider, error)
}

// Factory is the default Creator backed by the vendor SDKs.
type Factory struct{}

// NewProvider creates an SDK-backed provider for the configured vendor.
func (f *Factory) NewProvider(p *Provider) (LLMProvider, error) {
	if p == nil {
		return nil, fmt.Errorf("provider configuration is required")
	}
	if p.Model == "" {
		return nil, fmt.Errorf("provider model cannot be empty")
	}

	vendor, err := p.ResolveVendor()
	if err != nil {
		return nil, err
	}

	switch vendor {
	case VendorAnthropic:
		return NewAnthropicProvider(p.APIKey), nil
	case VendorOpenAI:
		return NewOpenAIProvider(p.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported vendor: %s", vendor)
	}
}
