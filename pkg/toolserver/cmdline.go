package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// helpProbeBudget truncates captured help output so a verbose help
// screen does not flood the tool description.
const helpProbeBudget = 1000

const defaultCallTimeout = 30 * time.Second

// CommandConfig declares a command-line tool server: one executable
// exposed to the model as a single pass-through tool.
type CommandConfig struct {
	// Name is the synthetic tool's name. Defaults to the executable's
	// base name.
	Name string

	// Command is the target executable.
	Command string

	WorkingDir string
	Env        map[string]string

	// Shell runs the invocation. Empty means auto-detect for the
	// platform.
	Shell string

	// Description seeds the tool description when the help probe is
	// disabled.
	Description string

	// ProbeHelp runs the executable's help flag at startup to populate
	// the description. When false and Description is empty, the model
	// has to discover usage through the wrapped tool itself.
	ProbeHelp bool

	// HelpFlag defaults to --help.
	HelpFlag string

	// CallTimeout bounds each invocation. Defaults to 30s.
	CallTimeout time.Duration

	Logger zerolog.Logger
}

// CommandResult is the wire format returned to the model.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CommandLineServer wraps an arbitrary executable as a ToolServer with
// exactly one tool accepting a raw argument string.
type CommandLineServer struct {
	cfg   CommandConfig
	shell shellInvoker
	lc    lifecycle
	tool  Tool
}

var _ ToolServer = (*CommandLineServer)(nil)

// NewCommandLineServer creates a command-line server. The executable
// is not touched until first use.
func NewCommandLineServer(cfg CommandConfig) (*CommandLineServer, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command-line server requires a command")
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(cfg.Command), filepath.Ext(cfg.Command))
	}
	if cfg.HelpFlag == "" {
		cfg.HelpFlag = "--help"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	shell, err := resolveShell(cfg.Shell)
	if err != nil {
		return nil, err
	}

	return &CommandLineServer{cfg: cfg, shell: shell}, nil
}

// Name identifies the server.
func (s *CommandLineServer) Name() string {
	return s.cfg.Name
}

// State reports the current lifecycle state.
func (s *CommandLineServer) State() State {
	return s.lc.current()
}

// Tools returns the single synthetic tool, probing help on first use
// when configured.
func (s *CommandLineServer) Tools(ctx context.Context) ([]Tool, error) {
	if err := s.lc.ensureReady(ctx, s.start); err != nil {
		return nil, err
	}
	return []Tool{s.tool}, nil
}

// Call runs the wrapped executable with the raw argument string from
// args["args"] and returns {"exit_code", "stdout", "stderr"} as JSON.
func (s *CommandLineServer) Call(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error) {
	if err := s.lc.ensureReady(ctx, s.start); err != nil {
		return nil, err
	}
	if tool != s.tool.Name {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}

	rawArgs := ""
	if v, ok := args["args"]; ok {
		rawArgs, ok = v.(string)
		if !ok {
			return &CallResult{
				Text:    fmt.Sprintf("argument %q must be a string", "args"),
				IsError: true,
			}, nil
		}
	}

	commandLine := s.cfg.Command
	if rawArgs != "" {
		commandLine += " " + rawArgs
	}

	res, timedOut := s.run(ctx, commandLine, s.cfg.CallTimeout)

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding command result: %w", err)
	}

	return &CallResult{
		Text:    string(payload),
		IsError: timedOut,
	}, nil
}

// Stop is a no-op beyond the state change: invocations own their own
// subprocesses and there is no persistent handle to tear down.
func (s *CommandLineServer) Stop(ctx context.Context) error {
	if !s.lc.beginStop() {
		return nil
	}
	s.lc.finishStop()
	return nil
}

func (s *CommandLineServer) start(ctx context.Context) error {
	description := s.cfg.Description
	if s.cfg.ProbeHelp {
		res, _ := s.run(ctx, s.cfg.Command+" "+s.cfg.HelpFlag, 5*time.Second)
		help := strings.TrimSpace(res.Stdout)
		if help == "" {
			help = strings.TrimSpace(res.Stderr)
		}
		if len(help) > helpProbeBudget {
			help = help[:helpProbeBudget]
		}
		if help != "" {
			description = fmt.Sprintf("Runs the %s command. Usage:\n%s", s.cfg.Command, help)
		}
	}

	schema, err := json.Marshal(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"args": map[string]interface{}{
				"type":        "string",
				"description": fmt.Sprintf("Arguments passed to %s verbatim", s.cfg.Command),
			},
		},
	})
	if err != nil {
		return err
	}

	s.tool = Tool{
		Name:        s.cfg.Name,
		Description: description,
		InputSchema: schema,
	}

	s.cfg.Logger.Debug().
		Str("server", s.cfg.Name).
		Str("command", s.cfg.Command).
		Str("shell", s.shell.path).
		Msg("Command-line server ready")
	return nil
}

// run executes a command line through the configured shell, capturing
// exit code, stdout and stderr. A timeout yields exit code -1.
func (s *CommandLineServer) run(ctx context.Context, commandLine string, timeout time.Duration) (CommandResult, bool) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, s.shell.path, append(s.shell.args, commandLine)...)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), envSlice(s.cfg.Env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return CommandResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("command timed out after %s", timeout),
		}, true
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			if stderr.Len() == 0 {
				stderr.WriteString(err.Error())
			}
		}
	}

	s.cfg.Logger.Debug().
		Str("server", s.cfg.Name).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command executed")

	return CommandResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, false
}

type shellInvoker struct {
	path string
	args []string
}

// resolveShell picks the configured shell or auto-detects one for the
// platform: bash/zsh/sh on POSIX, powershell/pwsh/cmd on Windows.
func resolveShell(explicit string) (shellInvoker, error) {
	if explicit != "" {
		path, err := exec.LookPath(explicit)
		if err != nil {
			return shellInvoker{}, fmt.Errorf("shell %q not found: %w", explicit, err)
		}
		return shellInvoker{path: path, args: shellArgs(explicit)}, nil
	}

	var candidates []string
	if runtime.GOOS == "windows" {
		candidates = []string{"powershell", "pwsh", "cmd"}
	} else {
		candidates = []string{"bash", "zsh", "sh"}
	}

	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return shellInvoker{path: path, args: shellArgs(name)}, nil
		}
	}
	return shellInvoker{}, fmt.Errorf("no usable shell found (tried %v)", candidates)
}

func shellArgs(shell string) []string {
	switch strings.TrimSuffix(filepath.Base(shell), filepath.Ext(shell)) {
	case "powershell", "pwsh":
		return []string{"-Command"}
	case "cmd":
		return []string{"/C"}
	default:
		return []string{"-c"}
	}
}
