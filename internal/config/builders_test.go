package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildServers(t *testing.T) {
	t.Run("should build protocol and command servers", func(t *testing.T) {
		cfg := validConfig()

		servers, err := BuildServers(cfg, zerolog.Nop())
		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, "billing", servers["billing"].Name())
		assert.Equal(t, "shell", servers["shell"].Name())
	})

	t.Run("should build wait strategies", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers[0].Wait = &WaitConfig{Strategy: "tools", Tools: []string{"get_balance"}}

		_, err := BuildServers(cfg, zerolog.Nop())
		assert.NoError(t, err)
	})

	t.Run("should reject a bad log pattern", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers[0].Wait = &WaitConfig{Strategy: "log", LogPattern: "(unclosed"}

		_, err := BuildServers(cfg, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestBuildAgent(t *testing.T) {
	t.Run("should wire provider and servers", func(t *testing.T) {
		cfg := validConfig()
		servers, err := BuildServers(cfg, zerolog.Nop())
		require.NoError(t, err)

		agent, err := BuildAgent(cfg, cfg.Agents[0], servers)
		require.NoError(t, err)

		assert.Equal(t, "billing-agent", agent.Name)
		assert.Same(t, cfg.Providers["sonnet"], agent.Provider)
		require.Len(t, agent.Servers, 1)
		assert.Equal(t, "billing", agent.Servers[0].Name())
	})

	t.Run("should reject unknown provider reference", func(t *testing.T) {
		cfg := validConfig()
		_, err := BuildAgent(cfg, AgentConfig{Name: "x", Provider: "nope"}, nil)
		assert.Error(t, err)
	})

	t.Run("should reject unknown server reference", func(t *testing.T) {
		cfg := validConfig()
		ac := AgentConfig{Name: "x", Provider: "sonnet", Servers: []string{"nope"}}
		_, err := BuildAgent(cfg, ac, nil)
		assert.Error(t, err)
	})
}
