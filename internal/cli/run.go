package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/probelab/agentcheck/internal/config"
	"github.com/probelab/agentcheck/internal/logger"
	"github.com/probelab/agentcheck/pkg/engine"
	"github.com/probelab/agentcheck/pkg/result"
)

var scenarioFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario against the configured agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVarP(&scenarioFile, "scenario", "s", "", "scenario file (yaml)")
	_ = runCmd.MarkFlagRequired("scenario")
	rootCmd.AddCommand(runCmd)
}

// caseReport pairs a case with its result for the JSON output stream.
type caseReport struct {
	Case   string             `json:"case"`
	Passed bool               `json:"passed"`
	Reason string             `json:"reason,omitempty"`
	Result *result.EvalResult `json:"result"`
}

func runScenario(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.GetZerolog()

	scenario, err := config.LoadScenario(scenarioFile)
	if err != nil {
		return err
	}

	servers, err := config.BuildServers(cfg, log)
	if err != nil {
		return err
	}

	agentConfigs := make(map[string]config.AgentConfig, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		agentConfigs[ac.Name] = ac
	}

	eng := engine.New(engine.Config{Logger: log})

	var agents []*engine.Agent
	defer func() {
		// Server Stop is idempotent, so releasing every built agent is
		// safe even when they share servers.
		for _, a := range agents {
			if err := a.Release(context.Background()); err != nil {
				log.Warn().Err(err).Str("agent", a.Name).Msg("Error releasing agent")
			}
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	failed := 0
	for _, c := range scenario.Cases {
		ac, ok := agentConfigs[c.Agent]
		if !ok {
			return fmt.Errorf("case %s references unknown agent %q", c.Name, c.Agent)
		}
		if c.Session != "" {
			ac.Session = c.Session
		}

		agent, err := config.BuildAgent(cfg, ac, servers)
		if err != nil {
			return err
		}
		agents = append(agents, agent)

		var opts []engine.RunOption
		if c.MaxTurns > 0 {
			opts = append(opts, engine.WithMaxTurns(c.MaxTurns))
		}

		log.Info().Str("case", c.Name).Str("agent", c.Agent).Msg("Running case")
		res := eng.Run(ctx, agent, c.Prompt, opts...)

		report := caseReport{Case: c.Name, Result: res}
		report.Passed, report.Reason = judge(c, res)
		if !report.Passed && !res.Skipped {
			failed++
		}

		if err := enc.Encode(report); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d cases failed", failed, len(scenario.Cases))
	}
	return nil
}

func judge(c config.Case, res *result.EvalResult) (bool, string) {
	if res.Skipped {
		return false, "skipped: " + res.Error
	}
	if !res.Success {
		return false, res.Error
	}
	for _, want := range c.ExpectContains {
		if !strings.Contains(res.Response, want) {
			return false, fmt.Sprintf("response does not contain %q", want)
		}
	}
	return true, ""
}
