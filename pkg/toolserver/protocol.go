package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
)

// Transport selects how a protocol server is reached.
type Transport string

const (
	// TransportStdio spawns a subprocess and speaks over its stdio.
	TransportStdio Transport = "stdio"
	// TransportSSE connects to a remote SSE endpoint.
	TransportSSE Transport = "sse"
	// TransportStreamableHTTP connects to a remote streamable-HTTP endpoint.
	TransportStreamableHTTP Transport = "streamable-http"
)

const protocolVersion = "2024-11-05"

// ProtocolConfig declares a protocol (MCP) tool server.
type ProtocolConfig struct {
	Name string

	// Transport defaults to stdio when a command is set, otherwise
	// streamable-http.
	Transport Transport

	// Subprocess transport.
	Command string
	Args    []string
	Env     map[string]string

	// Remote transports. Header values support ${VAR} environment
	// expansion for bearer tokens.
	URL     string
	Headers map[string]string

	// Wait applies after the transport handshake; nil means the
	// handshake alone signals readiness.
	Wait WaitStrategy

	// StartTimeout bounds connect + handshake + wait. Defaults to 30s.
	StartTimeout time.Duration

	Logger zerolog.Logger
}

func (c *ProtocolConfig) transport() Transport {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	return TransportStreamableHTTP
}

// ProtocolServer is a ToolServer speaking the MCP tool protocol over
// one of the three transports. Startup is lazy: the first Tools or
// Call connects, handshakes, applies the wait strategy and caches the
// tool list exactly once per lifecycle.
type ProtocolServer struct {
	cfg ProtocolConfig
	lc  lifecycle

	mu     sync.Mutex
	client client.MCPClient
	stderr io.Reader // subprocess transport only

	tools []Tool // cached at readiness, read-only afterwards
}

var _ ToolServer = (*ProtocolServer)(nil)
var _ Prober = (*ProtocolServer)(nil)

// NewProtocolServer creates a protocol server from its declaration.
// No connection is made until first use.
func NewProtocolServer(cfg ProtocolConfig) (*ProtocolServer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("protocol server name is required")
	}
	switch cfg.transport() {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: stdio transport requires a command", cfg.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: %s transport requires a url", cfg.Name, cfg.transport())
		}
	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &ProtocolServer{cfg: cfg}, nil
}

// Name identifies the server.
func (s *ProtocolServer) Name() string {
	return s.cfg.Name
}

// State reports the current lifecycle state.
func (s *ProtocolServer) State() State {
	return s.lc.current()
}

// EagerStart connects immediately instead of on first use.
func (s *ProtocolServer) EagerStart(ctx context.Context) error {
	return s.lc.ensureReady(ctx, s.start)
}

// Tools returns the cached tool list, starting the server first if
// needed.
func (s *ProtocolServer) Tools(ctx context.Context) ([]Tool, error) {
	if err := s.lc.ensureReady(ctx, s.start); err != nil {
		return nil, err
	}
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out, nil
}

// Call invokes a named tool. A tool-reported failure comes back as
// IsError with the text preserved, not as a Go error.
func (s *ProtocolServer) Call(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error) {
	if err := s.lc.ensureReady(ctx, s.start); err != nil {
		return nil, err
	}
	c, err := s.currentClient()
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      tool,
			Arguments: args,
		},
	}

	result, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("server %s: tool %s: %w", s.cfg.Name, tool, err)
	}

	return decodeCallResult(result), nil
}

// Ping checks transport liveness.
func (s *ProtocolServer) Ping(ctx context.Context) error {
	if err := s.lc.ensureReady(ctx, s.start); err != nil {
		return err
	}
	c, err := s.currentClient()
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// currentClient snapshots the transport handle. A concurrent Stop can
// clear it between ensureReady returning and the call going out; that
// window reports the server unavailable instead of dereferencing nil.
func (s *ProtocolServer) currentClient() (client.MCPClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("%w: server %s is shut down", ErrServerUnavailable, s.cfg.Name)
	}
	return s.client, nil
}

// Stop closes the transport (killing the subprocess for stdio).
// Calling Stop twice is a no-op.
func (s *ProtocolServer) Stop(ctx context.Context) error {
	if !s.lc.beginStop() {
		return nil
	}
	defer s.lc.finishStop()

	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			s.cfg.Logger.Warn().Err(err).Str("server", s.cfg.Name).Msg("Error closing tool server transport")
		}
	}
	return nil
}

// ProbeTools lists tools without consulting the readiness cache; wait
// strategies poll this during startup.
func (s *ProtocolServer) ProbeTools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("server %s: not connected", s.cfg.Name)
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = nil
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// LogReader exposes the subprocess's stderr for log-pattern waits.
func (s *ProtocolServer) LogReader() (io.Reader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderr == nil {
		return nil, false
	}
	return s.stderr, true
}

// start connects the transport, performs the MCP handshake, applies
// the wait strategy and caches the tool list.
func (s *ProtocolServer) start(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	s.cfg.Logger.Debug().
		Str("server", s.cfg.Name).
		Str("transport", string(s.cfg.transport())).
		Msg("Starting tool server")

	if err := s.connect(startCtx); err != nil {
		return err
	}

	if err := s.initialize(startCtx); err != nil {
		s.closeQuietly()
		return fmt.Errorf("initialize handshake: %w", err)
	}

	if s.cfg.Wait != nil {
		s.lc.setWaiting()
		s.cfg.Logger.Debug().
			Str("server", s.cfg.Name).
			Str("strategy", s.cfg.Wait.String()).
			Msg("Applying wait strategy")
		if err := s.cfg.Wait.Wait(startCtx, s); err != nil {
			s.closeQuietly()
			return fmt.Errorf("wait strategy %s: %w", s.cfg.Wait, err)
		}
	}

	tools, err := s.ProbeTools(startCtx)
	if err != nil {
		s.closeQuietly()
		return fmt.Errorf("listing tools: %w", err)
	}
	s.tools = tools

	s.cfg.Logger.Info().
		Str("server", s.cfg.Name).
		Int("tools", len(tools)).
		Msg("Tool server ready")
	return nil
}

func (s *ProtocolServer) connect(ctx context.Context) error {
	var (
		c      *client.Client
		stderr io.Reader
		err    error
	)

	switch s.cfg.transport() {
	case TransportStdio:
		tr := transport.NewStdio(s.cfg.Command, envSlice(s.cfg.Env), s.cfg.Args...)
		c = client.NewClient(tr)
		if err = c.Start(ctx); err != nil {
			return fmt.Errorf("spawning %s: %w", s.cfg.Command, err)
		}
		stderr = tr.Stderr()

	case TransportSSE:
		c, err = client.NewSSEMCPClient(s.cfg.URL, transport.WithHeaders(expandHeaders(s.cfg.Headers)))
		if err != nil {
			return fmt.Errorf("creating SSE client: %w", err)
		}
		if err = c.Start(ctx); err != nil {
			return fmt.Errorf("connecting to %s: %w", s.cfg.URL, err)
		}

	case TransportStreamableHTTP:
		c, err = client.NewStreamableHttpClient(s.cfg.URL, transport.WithHTTPHeaders(expandHeaders(s.cfg.Headers)))
		if err != nil {
			return fmt.Errorf("creating streamable HTTP client: %w", err)
		}
		if err = c.Start(ctx); err != nil {
			return fmt.Errorf("connecting to %s: %w", s.cfg.URL, err)
		}
	}

	s.mu.Lock()
	s.client = c
	s.stderr = stderr
	s.mu.Unlock()
	return nil
}

func (s *ProtocolServer) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "agentcheck",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}

	_, err := s.client.Initialize(ctx, initRequest)
	return err
}

func (s *ProtocolServer) closeQuietly() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.stderr = nil
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func decodeCallResult(result *mcp.CallToolResult) *CallResult {
	out := &CallResult{IsError: result.IsError}
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += textContent.Text
		} else if imageContent, ok := mcp.AsImageContent(content); ok {
			out.Images = append(out.Images, Image{
				Data:     imageContent.Data,
				MIMEType: imageContent.MIMEType,
			})
		}
	}
	return out
}

// expandHeaders resolves ${VAR} references in header values against
// the environment.
func expandHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = os.Expand(v, os.Getenv)
	}
	return out
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
