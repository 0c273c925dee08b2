package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_ResolveVendor(t *testing.T) {
	tests := []struct {
		name    string
		p       Provider
		want    string
		wantErr bool
	}{
		{name: "explicit vendor wins", p: Provider{Vendor: "openai", Model: "claude-sonnet-4"}, want: "openai"},
		{name: "claude prefix", p: Provider{Model: "claude-sonnet-4-20250514"}, want: VendorAnthropic},
		{name: "gpt prefix", p: Provider{Model: "gpt-4o-mini"}, want: VendorOpenAI},
		{name: "o1 prefix", p: Provider{Model: "o1-preview"}, want: VendorOpenAI},
		{name: "o3 prefix", p: Provider{Model: "o3-mini"}, want: VendorOpenAI},
		{name: "unknown model", p: Provider{Model: "llama-3"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vendor, err := tt.p.ResolveVendor()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, vendor)
		})
	}
}

func TestProvider_Key(t *testing.T) {
	t.Run("should combine vendor and model", func(t *testing.T) {
		p := Provider{Model: "claude-sonnet-4"}
		assert.Equal(t, "anthropic/claude-sonnet-4", p.Key())
	})

	t.Run("should fall back to unknown vendor", func(t *testing.T) {
		p := Provider{Model: "llama-3"}
		assert.Equal(t, "unknown/llama-3", p.Key())
	})
}

func TestFactory_NewProvider(t *testing.T) {
	factory := &Factory{}

	t.Run("should reject nil configuration", func(t *testing.T) {
		_, err := factory.NewProvider(nil)
		assert.Error(t, err)
	})

	t.Run("should reject empty model", func(t *testing.T) {
		_, err := factory.NewProvider(&Provider{})
		assert.Error(t, err)
	})

	t.Run("should reject unsupported vendor", func(t *testing.T) {
		_, err := factory.NewProvider(&Provider{Vendor: "cohere", Model: "command-r"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported vendor")
	})

	t.Run("should build anthropic provider", func(t *testing.T) {
		llm, err := factory.NewProvider(&Provider{Model: "claude-sonnet-4", APIKey: "test-key"})
		require.NoError(t, err)
		assert.Equal(t, VendorAnthropic, llm.Vendor())
	})

	t.Run("should build openai provider", func(t *testing.T) {
		llm, err := factory.NewProvider(&Provider{Model: "gpt-4o", APIKey: "test-key"})
		require.NoError(t, err)
		assert.Equal(t, VendorOpenAI, llm.Vendor())
	})
}
