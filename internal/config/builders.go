package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/probelab/agentcheck/pkg/engine"
	"github.com/probelab/agentcheck/pkg/toolserver"
)

// BuildServers constructs every declared tool server, keyed by name.
// Servers start lazily, so this only validates declarations.
func BuildServers(cfg *Config, log zerolog.Logger) (map[string]toolserver.ToolServer, error) {
	servers := make(map[string]toolserver.ToolServer, len(cfg.Servers))

	for _, sc := range cfg.Servers {
		srv, err := buildServer(sc, log)
		if err != nil {
			return nil, err
		}
		servers[sc.Name] = srv
	}

	return servers, nil
}

func buildServer(sc ServerConfig, log zerolog.Logger) (toolserver.ToolServer, error) {
	if sc.Kind == "command" {
		return toolserver.NewCommandLineServer(toolserver.CommandConfig{
			Name:        sc.Name,
			Command:     sc.Command,
			WorkingDir:  sc.WorkingDir,
			Env:         sc.Env,
			Shell:       sc.Shell,
			Description: sc.Description,
			ProbeHelp:   sc.ProbeHelp,
			HelpFlag:    sc.HelpFlag,
			CallTimeout: sc.CallTimeout,
			Logger:      log,
		})
	}

	wait, err := buildWait(sc)
	if err != nil {
		return nil, err
	}

	return toolserver.NewProtocolServer(toolserver.ProtocolConfig{
		Name:         sc.Name,
		Transport:    toolserver.Transport(sc.Transport),
		Command:      sc.Command,
		Args:         sc.Args,
		Env:          sc.Env,
		URL:          sc.URL,
		Headers:      sc.Headers,
		Wait:         wait,
		StartTimeout: sc.StartTimeout,
		Logger:       log,
	})
}

func buildWait(sc ServerConfig) (toolserver.WaitStrategy, error) {
	if sc.Wait == nil {
		return nil, nil
	}
	switch sc.Wait.Strategy {
	case "delay":
		return toolserver.WaitDelay(sc.Wait.Delay), nil
	case "tools":
		return toolserver.WaitForTools(sc.Wait.Tools, sc.Wait.Timeout), nil
	case "log":
		return toolserver.WaitForLog(sc.Wait.LogPattern, sc.Wait.Timeout)
	default:
		return nil, fmt.Errorf("server %s: unknown wait strategy %q", sc.Name, sc.Wait.Strategy)
	}
}

// BuildAgent assembles an agent from its declaration, resolving the
// provider and server references.
func BuildAgent(cfg *Config, ac AgentConfig, servers map[string]toolserver.ToolServer) (*engine.Agent, error) {
	prov, ok := cfg.Providers[ac.Provider]
	if !ok {
		return nil, fmt.Errorf("agent %s: unknown provider %q", ac.Name, ac.Provider)
	}

	agent := &engine.Agent{
		Name:                ac.Name,
		Provider:            prov,
		Instructions:        ac.Instructions,
		Skill:               ac.Skill,
		MaxTurns:            ac.MaxTurns,
		Retries:             ac.Retries,
		AllowedTools:        ac.AllowedTools,
		DetectClarification: ac.DetectClarification,
		Session:             ac.Session,
		SkipOnRateLimit:     ac.SkipOnRateLimit,
		Timeout:             ac.Timeout,
		ToolTimeout:         ac.ToolTimeout,
	}

	for _, name := range ac.Servers {
		srv, ok := servers[name]
		if !ok {
			return nil, fmt.Errorf("agent %s: unknown server %q", ac.Name, name)
		}
		agent.Servers = append(agent.Servers, srv)
	}

	return agent, nil
}
