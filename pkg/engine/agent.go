package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/probelab/agentcheck/pkg/provider"
	"github.com/probelab/agentcheck/pkg/session"
	"github.com/probelab/agentcheck/pkg/toolserver"
)

const (
	defaultMaxTurns    = 10
	defaultRetries     = 1
	defaultToolTimeout = 30 * time.Second
)

// Agent is the immutable definition of one model-plus-tools
// configuration under test. Construct it per test; call Release when
// its owning scope ends.
type Agent struct {
	// Name identifies the agent in results and session keys. Keep it
	// stable across a chain of session runs.
	Name string

	Provider *provider.Provider

	// Servers are consulted in order when tool names collide.
	Servers []toolserver.ToolServer

	// Instructions is the system prompt. Skill, when set, is plain
	// text prepended to it.
	Instructions string
	Skill        string

	// MaxTurns bounds model round trips per run. Defaults to 10.
	MaxTurns int

	// Retries is the transient-failure budget per model call and,
	// independently, per tool call. Defaults to 1.
	Retries int

	// AllowedTools, when non-empty, restricts which discovered tools
	// are offered to the model.
	AllowedTools []string

	// DetectClarification enables the post-run judge call.
	DetectClarification bool

	// Session, when set, chains this agent's runs into one evolving
	// conversation under Name+"/"+Session.
	Session string

	// SkipOnRateLimit marks the run skipped instead of failed when
	// retries are exhausted on a rate-limit response.
	SkipOnRateLimit bool

	// Timeout bounds an entire run. Zero means no overall deadline.
	Timeout time.Duration

	// ToolTimeout bounds each tool dispatch. Defaults to 30s.
	ToolTimeout time.Duration

	releaseOnce sync.Once
}

func (a *Agent) maxTurns() int {
	if a.MaxTurns <= 0 {
		return defaultMaxTurns
	}
	return a.MaxTurns
}

func (a *Agent) retries() int {
	if a.Retries <= 0 {
		return defaultRetries
	}
	return a.Retries
}

func (a *Agent) toolTimeout() time.Duration {
	if a.ToolTimeout <= 0 {
		return defaultToolTimeout
	}
	return a.ToolTimeout
}

func (a *Agent) systemPrompt() string {
	if a.Skill == "" {
		return a.Instructions
	}
	if a.Instructions == "" {
		return a.Skill
	}
	return a.Skill + "\n\n" + a.Instructions
}

func (a *Agent) sessionKey() (string, bool) {
	if a.Session == "" {
		return "", false
	}
	return session.Key(a.Name, a.Session), true
}

// Release disconnects the agent's servers. Safe to call more than
// once; teardown is best-effort.
func (a *Agent) Release(ctx context.Context) error {
	var err error
	a.releaseOnce.Do(func() {
		var errs []error
		for _, srv := range a.Servers {
			if stopErr := srv.Stop(ctx); stopErr != nil {
				errs = append(errs, stopErr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
