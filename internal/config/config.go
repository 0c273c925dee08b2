package config

import (
	"fmt"
	"time"

	"github.com/probelab/agentcheck/internal/logger"
	"github.com/probelab/agentcheck/pkg/provider"
)

// Config is the top-level harness configuration
type Config struct {
	Logging logger.Config `mapstructure:"logging"`

	// Providers maps a short name to a model configuration. Agents
	// reference these by name.
	Providers map[string]*provider.Provider `mapstructure:"providers"`

	Servers []ServerConfig `mapstructure:"servers"`
	Agents  []AgentConfig  `mapstructure:"agents"`
}

// ServerConfig declares one tool server, protocol or command-line
type ServerConfig struct {
	Name string `mapstructure:"name"`

	// Kind selects the server flavor: "protocol" (default) or "command"
	Kind string `mapstructure:"kind"`

	// Protocol servers
	Transport string            `mapstructure:"transport"`
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	Wait      *WaitConfig       `mapstructure:"wait"`

	StartTimeout time.Duration `mapstructure:"start_timeout"`

	// Command-line servers
	WorkingDir  string        `mapstructure:"working_dir"`
	Shell       string        `mapstructure:"shell"`
	Description string        `mapstructure:"description"`
	ProbeHelp   bool          `mapstructure:"probe_help"`
	HelpFlag    string        `mapstructure:"help_flag"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// WaitConfig declares the readiness strategy for a protocol server
type WaitConfig struct {
	// Strategy is one of "delay", "tools", "log"
	Strategy string `mapstructure:"strategy"`

	Delay      time.Duration `mapstructure:"delay"`
	Tools      []string      `mapstructure:"tools"`
	LogPattern string        `mapstructure:"log_pattern"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AgentConfig declares one agent under test
type AgentConfig struct {
	Name     string `mapstructure:"name"`
	Provider string `mapstructure:"provider"`

	// Servers lists server names from the top-level servers block
	Servers []string `mapstructure:"servers"`

	Instructions string `mapstructure:"instructions"`
	Skill        string `mapstructure:"skill"`

	MaxTurns            int           `mapstructure:"max_turns"`
	Retries             int           `mapstructure:"retries"`
	AllowedTools        []string      `mapstructure:"allowed_tools"`
	DetectClarification bool          `mapstructure:"detect_clarification"`
	Session             string        `mapstructure:"session"`
	SkipOnRateLimit     bool          `mapstructure:"skip_on_rate_limit"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ToolTimeout         time.Duration `mapstructure:"tool_timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging:   logger.DefaultConfig(),
		Providers: map[string]*provider.Provider{},
	}
}

// Validate checks cross-references and required fields
func (c *Config) Validate() error {
	serverNames := map[string]bool{}
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if serverNames[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		serverNames[s.Name] = true

		switch s.Kind {
		case "", "protocol":
			if s.Command == "" && s.URL == "" {
				return fmt.Errorf("server %s: either command or url is required", s.Name)
			}
		case "command":
			if s.Command == "" {
				return fmt.Errorf("server %s: command is required", s.Name)
			}
		default:
			return fmt.Errorf("server %s: unknown kind %q", s.Name, s.Kind)
		}

		if s.Wait != nil {
			switch s.Wait.Strategy {
			case "delay":
				if s.Wait.Delay <= 0 {
					return fmt.Errorf("server %s: delay wait requires a positive delay", s.Name)
				}
			case "tools":
				if len(s.Wait.Tools) == 0 {
					return fmt.Errorf("server %s: tools wait requires at least one tool name", s.Name)
				}
			case "log":
				if s.Wait.LogPattern == "" {
					return fmt.Errorf("server %s: log wait requires a pattern", s.Name)
				}
			default:
				return fmt.Errorf("server %s: unknown wait strategy %q", s.Name, s.Wait.Strategy)
			}
		}
	}

	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if a.Provider == "" {
			return fmt.Errorf("agent %s: provider is required", a.Name)
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			return fmt.Errorf("agent %s: unknown provider %q", a.Name, a.Provider)
		}
		for _, srv := range a.Servers {
			if !serverNames[srv] {
				return fmt.Errorf("agent %s: unknown server %q", a.Name, srv)
			}
		}
	}

	return nil
}
