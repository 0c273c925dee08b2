package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/probelab/agentcheck/pkg/provider"
	"github.com/probelab/agentcheck/pkg/ratelimit"
	"github.com/probelab/agentcheck/pkg/result"
)

const clarifySystem = "You are a strict binary classifier. Answer with exactly one word: yes or no."

// detectClarification runs the lightweight judge call classifying
// whether the final response asks a question instead of acting. It
// shares the run's rate limiter; any failure degrades to "no stats
// available" rather than failing the run.
func (e *Engine) detectClarification(ctx context.Context, logger zerolog.Logger, llm provider.LLMProvider, limiter *ratelimit.Limiter, agent *Agent, response string) *result.ClarificationStats {
	prompt := fmt.Sprintf(
		"Does the following assistant response ask the user a clarifying question instead of completing the task?\n\nResponse:\n%s",
		response,
	)

	req := provider.ChatRequest{
		Model:     agent.Provider.Model,
		System:    clarifySystem,
		Messages:  []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens: 8,
	}

	if err := limiter.Acquire(ctx, ratelimit.EstimateTokens(len(prompt), req.MaxTokens)); err != nil {
		logger.Warn().Err(err).Msg("Clarification judge skipped: no rate capacity")
		return &result.ClarificationStats{Checked: false}
	}

	resp, err := llm.Call(ctx, req)
	if err != nil {
		logger.Warn().Err(err).Msg("Clarification judge call failed")
		return &result.ClarificationStats{Checked: false}
	}

	answer := strings.ToLower(strings.TrimSpace(resp.Content))
	return &result.ClarificationStats{
		Checked:       true,
		Clarification: strings.HasPrefix(answer, "yes"),
	}
}
