// Package engine drives the turn-by-turn conversation loop: send
// history and available tools to the model, dispatch requested tool
// calls to their owning servers, append results, repeat until a final
// answer or a limit is hit. The engine's contract is "always return a
// result object": no failure escapes as an error to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/probelab/agentcheck/pkg/provider"
	"github.com/probelab/agentcheck/pkg/ratelimit"
	"github.com/probelab/agentcheck/pkg/result"
	"github.com/probelab/agentcheck/pkg/session"
	"github.com/probelab/agentcheck/pkg/toolserver"
)

// Engine executes agent runs. A single Engine is shared across
// concurrent runs; the session store and limiter registry are its only
// shared mutable state and both handle their own locking.
type Engine struct {
	sessions *session.Store
	limits   *ratelimit.Registry
	factory  provider.Creator
	pricing  result.PricingFunc
	logger   zerolog.Logger
}

// Config assembles an Engine. Zero-value fields get working defaults.
type Config struct {
	// Sessions carries transcripts across runs that declare a session.
	Sessions *session.Store

	// Limits holds the per-provider admission buckets.
	Limits *ratelimit.Registry

	// Factory builds LLM providers; tests inject fakes here.
	Factory provider.Creator

	// Pricing resolves model cost; nil means all costs are unknown.
	Pricing result.PricingFunc

	Logger zerolog.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewStore()
	}
	if cfg.Limits == nil {
		cfg.Limits = ratelimit.NewRegistry()
	}
	if cfg.Factory == nil {
		cfg.Factory = &provider.Factory{}
	}
	return &Engine{
		sessions: cfg.Sessions,
		limits:   cfg.Limits,
		factory:  cfg.Factory,
		pricing:  cfg.Pricing,
		logger:   cfg.Logger,
	}
}

// Sessions exposes the engine's session store, e.g. for clearing
// between test groups.
func (e *Engine) Sessions() *session.Store {
	return e.sessions
}

type runOptions struct {
	maxTurns int
	timeout  time.Duration
}

// RunOption overrides per-call limits.
type RunOption func(*runOptions)

// WithMaxTurns overrides the agent's turn limit for one run.
func WithMaxTurns(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.maxTurns = n
		}
	}
}

// WithTimeout overrides the agent's overall run deadline for one run.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Run executes the conversation loop for one prompt and returns the
// assembled result. Failures of any kind are reported inside the
// EvalResult, never as a panic or error.
func (e *Engine) Run(ctx context.Context, agent *Agent, prompt string, opts ...RunOption) *result.EvalResult {
	o := runOptions{maxTurns: agent.maxTurns(), timeout: agent.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	runID, err := gonanoid.New()
	if err != nil {
		runID = uuid.NewString()
	}

	model := ""
	if agent.Provider != nil {
		model = agent.Provider.Model
	}
	b := result.NewBuilder(runID, agent.Name, model)
	logger := e.logger.With().Str("run_id", runID).Str("agent", agent.Name).Logger()

	if agent.Provider == nil {
		b.Fail(result.FailureProvider, "agent has no provider configured")
		return b.Build(e.pricing)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	key, hasSession := agent.sessionKey()

	// finish writes the run's turns back to the session and builds the
	// result. Histories are append-only: failed runs record what
	// happened too.
	finish := func() *result.EvalResult {
		if hasSession {
			if err := e.sessions.Append(key, b.Turns()...); err != nil {
				logger.Warn().Err(err).Str("session_key", key).Msg("Failed to record session history")
			}
		}
		return b.Build(e.pricing)
	}

	llm, err := e.factory.NewProvider(agent.Provider)
	if err != nil {
		b.Fail(result.FailureProvider, fmt.Sprintf("creating provider: %v", err))
		return finish()
	}

	reg, err := toolserver.BuildRegistry(ctx, agent.Servers, agent.AllowedTools, logger)
	if err != nil {
		b.Fail(result.FailureStartup, fmt.Sprintf("tool server startup: %v", err))
		return finish()
	}

	var messages []provider.Message
	if hasSession {
		messages = historyMessages(e.sessions.History(key))
	}

	b.AddTurn(session.Turn{Role: session.RoleUser, Content: prompt, Timestamp: time.Now()})
	messages = append(messages, provider.Message{Role: "user", Content: prompt})

	limiter := e.limits.For(agent.Provider.Key(),
		agent.Provider.RequestsPerMinute, agent.Provider.TokensPerMinute)

	toolDefs := providerDefs(reg.Defs())
	system := agent.systemPrompt()

	for turn := 0; turn < o.maxTurns; turn++ {
		req := provider.ChatRequest{
			Model:       agent.Provider.Model,
			Messages:    messages,
			Tools:       toolDefs,
			System:      system,
			Temperature: agent.Provider.Temperature,
			MaxTokens:   agent.Provider.MaxTokens,
			TopP:        agent.Provider.TopP,
		}

		resp, err := e.callModel(ctx, logger, llm, limiter, req, agent.retries())
		if err != nil {
			if agent.SkipOnRateLimit && provider.IsRateLimitError(err) {
				b.Skip(fmt.Sprintf("rate limited: %v", err))
			} else {
				b.Fail(result.FailureProvider, fmt.Sprintf("model call failed: %v", err))
			}
			return finish()
		}

		assistantTurn := session.Turn{
			Role:    session.RoleAssistant,
			Content: resp.Content,
			Usage: session.TokenUsage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			},
			Timestamp: time.Now(),
		}

		if len(resp.ToolCalls) == 0 {
			b.AddTurn(assistantTurn)
			b.Succeed(resp.Content)
			if agent.DetectClarification {
				b.SetClarification(e.detectClarification(ctx, logger, llm, limiter, agent, resp.Content))
			}
			return finish()
		}

		var (
			toolTurns []session.Turn
			hardStop  error
		)
		calls := make([]session.ToolCall, 0, len(resp.ToolCalls))

		for _, tc := range resp.ToolCalls {
			id := tc.ID
			if id == "" {
				id = uuid.NewString()
			}

			started := time.Now()
			outcome := e.dispatch(ctx, logger, reg, agent, tc)

			call := session.ToolCall{
				ID:        id,
				Name:      tc.Name,
				Arguments: tc.Arguments,
				Result:    outcome.text,
				Images:    outcome.images,
				Error:     outcome.errText,
				Duration:  time.Since(started),
			}
			calls = append(calls, call)

			content := outcome.text
			if outcome.errText != "" {
				content = outcome.errText
			}
			toolTurns = append(toolTurns, session.Turn{
				Role:       session.RoleTool,
				Content:    content,
				ToolCallID: id,
				Timestamp:  time.Now(),
			})

			if outcome.hard != nil {
				hardStop = outcome.hard
				break
			}
		}

		assistantTurn.ToolCalls = calls
		b.AddTurn(assistantTurn)
		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tt := range toolTurns {
			b.AddTurn(tt)
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    tt.Content,
				ToolCallID: tt.ToolCallID,
			})
		}

		if hardStop != nil {
			b.Fail(result.FailureToolDispatch, fmt.Sprintf("tool dispatch failed: %v", hardStop))
			return finish()
		}
	}

	b.Fail(result.FailureTurnLimit,
		fmt.Sprintf("no final answer within %d turns", o.maxTurns))
	return finish()
}

// callModel issues one model round trip under the rate limiter, with
// the agent's retry budget and doubling backoff.
func (e *Engine) callModel(ctx context.Context, logger zerolog.Logger, llm provider.LLMProvider, limiter *ratelimit.Limiter, req provider.ChatRequest, retries int) (*provider.ChatResponse, error) {
	estimate := ratelimit.EstimateTokens(chatChars(req), req.MaxTokens)

	var resp *provider.ChatResponse
	err := ratelimit.Retry(ctx, logger, "model call", retries, func(ctx context.Context) error {
		if err := limiter.Acquire(ctx, estimate); err != nil {
			return err
		}
		r, err := llm.Call(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, provider.IsRetryableError)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dispatchOutcome separates recoverable tool-level errors (fed back to
// the model as data) from hard stops (server unreachable).
type dispatchOutcome struct {
	text    string
	images  []session.Image
	errText string
	hard    error
}

func (e *Engine) dispatch(ctx context.Context, logger zerolog.Logger, reg *toolserver.Registry, agent *Agent, tc provider.ToolCallRequest) dispatchOutcome {
	rt, ok := reg.Resolve(tc.Name)
	if !ok {
		logger.Debug().Str("tool", tc.Name).Msg("Model requested unknown tool")
		return dispatchOutcome{errText: fmt.Sprintf("unknown tool: %s", tc.Name)}
	}

	if err := rt.ValidateArgs(tc.Arguments); err != nil {
		return dispatchOutcome{errText: err.Error()}
	}

	var res *toolserver.CallResult
	err := ratelimit.Retry(ctx, logger, "tool "+tc.Name, agent.retries(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, agent.toolTimeout())
		defer cancel()

		r, err := rt.Server.Call(callCtx, tc.Name, tc.Arguments)
		if err != nil {
			return err
		}
		res = r
		return nil
	}, func(err error) bool {
		// Only an unreachable server is worth retrying; tool-level
		// failures are final and go back to the model as data.
		return errors.Is(err, toolserver.ErrServerUnavailable)
	})
	if err != nil {
		if errors.Is(err, toolserver.ErrServerUnavailable) || errors.Is(err, toolserver.ErrStartFailed) {
			return dispatchOutcome{errText: err.Error(), hard: err}
		}
		return dispatchOutcome{errText: err.Error()}
	}

	if res.IsError {
		return dispatchOutcome{errText: res.Text}
	}
	return dispatchOutcome{text: res.Text, images: convertImages(res.Images)}
}

func convertImages(in []toolserver.Image) []session.Image {
	if len(in) == 0 {
		return nil
	}
	out := make([]session.Image, len(in))
	for i, img := range in {
		out[i] = session.Image{Data: img.Data, MIMEType: img.MIMEType}
	}
	return out
}

// historyMessages converts stored turns into provider messages so a
// chained run resumes with its prior context.
func historyMessages(history []session.Turn) []provider.Message {
	messages := make([]provider.Message, 0, len(history))
	for _, turn := range history {
		msg := provider.Message{
			Role:       string(turn.Role),
			Content:    turn.Content,
			ToolCallID: turn.ToolCallID,
		}
		for _, call := range turn.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, provider.ToolCallRequest{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})
		}
		messages = append(messages, msg)
	}
	return messages
}

func providerDefs(tools []toolserver.Tool) []provider.ToolDef {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]provider.ToolDef, len(tools))
	for i, t := range tools {
		defs[i] = provider.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return defs
}

func chatChars(req provider.ChatRequest) int {
	total := len(req.System)
	for _, msg := range req.Messages {
		total += len(msg.Content)
	}
	return total
}
