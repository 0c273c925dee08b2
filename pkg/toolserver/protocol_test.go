package toolserver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBalanceServerScript is a minimal stdio MCP server: it answers the
// initialize handshake, lists one get_balance tool and returns a canned
// result for every call. Announces itself on stderr for log waits.
const fakeBalanceServerScript = `#!/usr/bin/env bash
echo "balance server listening" >&2
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"fake-balance","version":"0.0.1"}}}\n' "$id"
      ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"get_balance","description":"Returns the balance","inputSchema":{"type":"object","properties":{"account":{"type":"string"}}}}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"42"}]}}\n' "$id"
      ;;
  esac
done
`

func writeFakeBalanceServer(t *testing.T) (command string, args []string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stdio fake requires a POSIX shell")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	path := filepath.Join(t.TempDir(), "fake-balance-server.sh")
	require.NoError(t, os.WriteFile(path, []byte(fakeBalanceServerScript), 0755))
	return "bash", []string{path}
}

func TestNewProtocolServer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProtocolConfig
		wantErr bool
	}{
		{name: "stdio with command", cfg: ProtocolConfig{Name: "a", Command: "srv"}},
		{name: "sse with url", cfg: ProtocolConfig{Name: "a", Transport: TransportSSE, URL: "http://localhost:1"}},
		{name: "streamable http with url", cfg: ProtocolConfig{Name: "a", URL: "http://localhost:1"}},
		{name: "missing name", cfg: ProtocolConfig{Command: "srv"}, wantErr: true},
		{name: "stdio without command", cfg: ProtocolConfig{Name: "a", Transport: TransportStdio}, wantErr: true},
		{name: "sse without url", cfg: ProtocolConfig{Name: "a", Transport: TransportSSE}, wantErr: true},
		{name: "unknown transport", cfg: ProtocolConfig{Name: "a", Transport: "carrier-pigeon", Command: "srv"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProtocolServer(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("should infer transport and default the start timeout", func(t *testing.T) {
		srv, err := NewProtocolServer(ProtocolConfig{Name: "a", Command: "srv"})
		require.NoError(t, err)
		assert.Equal(t, TransportStdio, srv.cfg.transport())
		assert.Equal(t, 30*time.Second, srv.cfg.StartTimeout)

		srv, err = NewProtocolServer(ProtocolConfig{Name: "b", URL: "http://localhost:1"})
		require.NoError(t, err)
		assert.Equal(t, TransportStreamableHTTP, srv.cfg.transport())
	})
}

func TestProtocolServer_StdioLifecycle(t *testing.T) {
	command, args := writeFakeBalanceServer(t)

	t.Run("should reach ready and cache the tool list", func(t *testing.T) {
		srv, err := NewProtocolServer(ProtocolConfig{
			Name:    "billing",
			Command: command,
			Args:    args,
			Wait:    WaitForTools([]string{"get_balance"}, 5*time.Second),
			Logger:  zerolog.Nop(),
		})
		require.NoError(t, err)
		defer srv.Stop(context.Background())

		assert.Equal(t, StateUnstarted, srv.State())
		require.NoError(t, srv.EagerStart(context.Background()))
		assert.Equal(t, StateReady, srv.State())

		tools, err := srv.Tools(context.Background())
		require.NoError(t, err)
		require.Len(t, tools, 1)
		assert.Equal(t, "get_balance", tools[0].Name)
		assert.Contains(t, string(tools[0].InputSchema), "account")

		res, err := srv.Call(context.Background(), "get_balance", map[string]interface{}{"account": "abc"})
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Equal(t, "42", res.Text)
	})

	t.Run("should become ready on a log pattern match", func(t *testing.T) {
		wait, err := WaitForLog("listening", 5*time.Second)
		require.NoError(t, err)

		srv, err := NewProtocolServer(ProtocolConfig{
			Name:    "billing",
			Command: command,
			Args:    args,
			Wait:    wait,
			Logger:  zerolog.Nop(),
		})
		require.NoError(t, err)
		defer srv.Stop(context.Background())

		require.NoError(t, srv.EagerStart(context.Background()))
		assert.Equal(t, StateReady, srv.State())
	})

	t.Run("should fail startup when a waited tool never appears", func(t *testing.T) {
		srv, err := NewProtocolServer(ProtocolConfig{
			Name:    "billing",
			Command: command,
			Args:    args,
			Wait:    WaitForTools([]string{"missing_tool"}, 300*time.Millisecond),
			Logger:  zerolog.Nop(),
		})
		require.NoError(t, err)

		err = srv.EagerStart(context.Background())
		require.ErrorIs(t, err, ErrStartFailed)
		assert.Equal(t, StateStartFailed, srv.State())

		// The recorded failure short-circuits later use.
		_, err = srv.Tools(context.Background())
		assert.ErrorIs(t, err, ErrStartFailed)
	})

	t.Run("should reject use after stop", func(t *testing.T) {
		srv, err := NewProtocolServer(ProtocolConfig{
			Name:    "billing",
			Command: command,
			Args:    args,
			Logger:  zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, srv.EagerStart(context.Background()))

		require.NoError(t, srv.Stop(context.Background()))
		require.NoError(t, srv.Stop(context.Background()))
		assert.Equal(t, StateStopped, srv.State())

		_, err = srv.Call(context.Background(), "get_balance", nil)
		assert.ErrorIs(t, err, ErrServerUnavailable)
	})
}

func TestProtocolServer_SpawnFailure(t *testing.T) {
	srv, err := NewProtocolServer(ProtocolConfig{
		Name:    "dead",
		Command: "/no/such/binary-xyz",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	err = srv.EagerStart(context.Background())
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Equal(t, StateStartFailed, srv.State())
}

func TestProtocolServer_StopDuringCall(t *testing.T) {
	// Models a concurrent Stop landing after a caller has already
	// cleared ensureReady: state is Ready but the transport handle is
	// gone. The call must degrade to unavailable, not dereference nil.
	srv, err := NewProtocolServer(ProtocolConfig{
		Name:    "billing",
		Command: "true",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	srv.lc.mu.Lock()
	srv.lc.state = StateReady
	srv.lc.mu.Unlock()

	_, err = srv.Call(context.Background(), "get_balance", nil)
	require.ErrorIs(t, err, ErrServerUnavailable)

	err = srv.Ping(context.Background())
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestProtocolServer_ProbeBeforeConnect(t *testing.T) {
	srv, err := NewProtocolServer(ProtocolConfig{Name: "a", Command: "srv", Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = srv.ProbeTools(context.Background())
	assert.Error(t, err)

	_, ok := srv.LogReader()
	assert.False(t, ok)
}

func TestDecodeCallResult(t *testing.T) {
	t.Run("should join text blocks with newlines", func(t *testing.T) {
		res := decodeCallResult(&mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("first"),
				mcp.NewTextContent("second"),
			},
		})

		assert.Equal(t, "first\nsecond", res.Text)
		assert.False(t, res.IsError)
		assert.Empty(t, res.Images)
	})

	t.Run("should decode image content", func(t *testing.T) {
		res := decodeCallResult(&mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("see chart"),
				mcp.ImageContent{Type: "image", Data: "aW1n", MIMEType: "image/png"},
			},
		})

		assert.Equal(t, "see chart", res.Text)
		require.Len(t, res.Images, 1)
		assert.Equal(t, "aW1n", res.Images[0].Data)
		assert.Equal(t, "image/png", res.Images[0].MIMEType)
	})

	t.Run("should preserve the error flag", func(t *testing.T) {
		res := decodeCallResult(&mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.NewTextContent("account not found")},
		})

		assert.True(t, res.IsError)
		assert.Equal(t, "account not found", res.Text)
	})
}

func TestExpandHeaders(t *testing.T) {
	t.Run("should expand environment references", func(t *testing.T) {
		t.Setenv("BILLING_TOKEN", "secret-token")

		out := expandHeaders(map[string]string{
			"Authorization": "Bearer ${BILLING_TOKEN}",
			"Accept":        "application/json",
		})

		assert.Equal(t, "Bearer secret-token", out["Authorization"])
		assert.Equal(t, "application/json", out["Accept"])
	})

	t.Run("should return nil for empty input", func(t *testing.T) {
		assert.Nil(t, expandHeaders(nil))
	})
}

func TestEnvSlice(t *testing.T) {
	assert.Nil(t, envSlice(nil))
	assert.ElementsMatch(t, []string{"A=1", "B=2"}, envSlice(map[string]string{"A": "1", "B": "2"}))
}
