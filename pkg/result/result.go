// Package result assembles the structured outcome object consumed by
// assertions and reporting. An EvalResult is built exactly once per
// run and is read-only afterwards; it serializes to a flat JSON form
// without exposing engine internals.
package result

import (
	"sync"
	"time"

	"github.com/probelab/agentcheck/pkg/session"
)

// FailureKind classifies a non-success outcome.
type FailureKind string

const (
	// FailureNone marks a successful run.
	FailureNone FailureKind = ""
	// FailureStartup: a tool server never reached readiness.
	FailureStartup FailureKind = "startup"
	// FailureProvider: the model call failed after retries.
	FailureProvider FailureKind = "provider"
	// FailureTurnLimit: the loop exhausted its turn budget.
	FailureTurnLimit FailureKind = "turn_limit"
	// FailureToolDispatch: a tool server became unreachable mid-run.
	FailureToolDispatch FailureKind = "tool_dispatch"
	// FailureRateLimited: rate limited with the skip policy active.
	FailureRateLimited FailureKind = "rate_limited"
)

// ClarificationStats reports the optional clarification-detection
// judge outcome.
type ClarificationStats struct {
	// Checked is false when the judge call failed or was disabled;
	// absence of stats never fails the run.
	Checked bool `json:"checked"`
	// Clarification is true when the judge classified the final
	// response as a question back to the user instead of an answer.
	Clarification bool `json:"clarification"`
}

// PricingFunc resolves a model identifier to its cost per million
// input/output tokens. ok=false ("unknown model") is an expected
// outcome that the engine tolerates without failing.
type PricingFunc func(model string) (inputPerMTok, outputPerMTok float64, ok bool)

// EvalResult is the sole contract exposed to assertion code and the
// reporting subsystem.
type EvalResult struct {
	RunID   string `json:"run_id"`
	Agent   string `json:"agent"`
	Model   string `json:"model,omitempty"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`

	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Error       string      `json:"error,omitempty"`

	Response string         `json:"response,omitempty"`
	Turns    []session.Turn `json:"turns"`

	Duration  time.Duration     `json:"duration_ns"`
	Usage     session.TokenUsage `json:"usage"`
	CostUSD   float64           `json:"cost_usd"`
	CostKnown bool              `json:"cost_known"`

	Clarification *ClarificationStats `json:"clarification,omitempty"`
}

// ToolCalls flattens every recorded tool call across the run's turns,
// in order. Convenient for assertions.
func (r *EvalResult) ToolCalls() []session.ToolCall {
	var calls []session.ToolCall
	for _, turn := range r.Turns {
		calls = append(calls, turn.ToolCalls...)
	}
	return calls
}

// Builder accumulates a run's trace and produces its EvalResult
// exactly once.
type Builder struct {
	mu      sync.Mutex
	started time.Time
	res     EvalResult
	built   *EvalResult
}

// NewBuilder starts accumulating a run.
func NewBuilder(runID, agent, model string) *Builder {
	return &Builder{
		started: time.Now(),
		res: EvalResult{
			RunID: runID,
			Agent: agent,
			Model: model,
			Turns: []session.Turn{},
		},
	}
}

// AddTurn appends a turn and folds its usage into the aggregate.
func (b *Builder) AddTurn(t session.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.res.Turns = append(b.res.Turns, t)
	b.res.Usage.Add(t.Usage)
}

// Turns returns the turns recorded so far.
func (b *Builder) Turns() []session.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]session.Turn, len(b.res.Turns))
	copy(out, b.res.Turns)
	return out
}

// Succeed marks the run successful with its final response text.
func (b *Builder) Succeed(response string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.res.Success = true
	b.res.Response = response
}

// Fail marks the run failed with a taxonomy kind and human-readable
// message.
func (b *Builder) Fail(kind FailureKind, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.res.Success = false
	b.res.FailureKind = kind
	b.res.Error = msg
}

// Skip marks the run skipped rather than failed, used by the
// skip-on-rate-limit policy.
func (b *Builder) Skip(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.res.Success = false
	b.res.Skipped = true
	b.res.FailureKind = FailureRateLimited
	b.res.Error = msg
}

// SetClarification attaches judge stats.
func (b *Builder) SetClarification(stats *ClarificationStats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.res.Clarification = stats
}

// Build finalizes the result, computing duration and cost. Later calls
// return the same object.
func (b *Builder) Build(pricing PricingFunc) *EvalResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built != nil {
		return b.built
	}

	b.res.Duration = time.Since(b.started)
	if pricing != nil {
		if inPerM, outPerM, ok := pricing(b.res.Model); ok {
			b.res.CostUSD = float64(b.res.Usage.InputTokens)/1e6*inPerM +
				float64(b.res.Usage.OutputTokens)/1e6*outPerM
			b.res.CostKnown = true
		}
	}

	out := b.res
	b.built = &out
	return b.built
}
