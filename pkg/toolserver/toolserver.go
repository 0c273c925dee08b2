// Package toolserver abstracts the backends that expose named,
// schema-described tools to the model: protocol servers speaking MCP
// over a spawned subprocess or a remote endpoint, and command-line
// servers wrapping an arbitrary executable as a single pass-through
// tool. The package also owns server lifecycle: lazy startup,
// readiness synchronization and idempotent teardown.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// State is a server's lifecycle position. Tool calls are dispatched
// only in StateReady.
type State int

const (
	StateUnstarted State = iota
	StateStarting
	StateWaitingReady
	StateReady
	StateStopping
	StateStopped
	StateStartFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateWaitingReady:
		return "waiting_ready"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateStartFailed:
		return "start_failed"
	default:
		return "unknown"
	}
}

var (
	// ErrStartFailed marks a server that never reached readiness.
	ErrStartFailed = errors.New("tool server failed to start")

	// ErrServerUnavailable marks a call against a server that is not
	// ready and did not become ready within the call's deadline.
	ErrServerUnavailable = errors.New("tool server unavailable")

	// ErrUnknownTool marks a call for a tool the server does not expose.
	ErrUnknownTool = errors.New("unknown tool")
)

// Tool describes one callable operation.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Image is a binary result payload, base64-encoded.
type Image struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// CallResult is a structured tool invocation outcome. IsError means
// the tool itself reported failure; the text still carries the
// details so the model can react.
type CallResult struct {
	Text    string  `json:"text"`
	Images  []Image `json:"images,omitempty"`
	IsError bool    `json:"is_error,omitempty"`
}

// ToolServer is the capability surface the engine dispatches against.
// Tools and Call trigger a lazy start on first use; both block until
// the server is ready or the context deadline elapses. Implementations
// must be safe for concurrent use once ready.
type ToolServer interface {
	// Name identifies the server in logs and registries.
	Name() string

	// Tools returns the server's tool list, cached at readiness.
	Tools(ctx context.Context) ([]Tool, error)

	// Call invokes a named tool with the given arguments.
	Call(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error)

	// State reports the current lifecycle state.
	State() State

	// Stop tears the server down. Best-effort and idempotent.
	Stop(ctx context.Context) error
}

// lifecycle is the startup single-flight shared by the server kinds.
// The first caller performs the start; concurrent callers block on the
// ready channel with their own deadlines.
type lifecycle struct {
	mu    sync.Mutex
	state State
	ready chan struct{} // closed once start resolves either way
	err   error
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) setWaiting() {
	l.mu.Lock()
	if l.state == StateStarting {
		l.state = StateWaitingReady
	}
	l.mu.Unlock()
}

// ensureReady drives the server to StateReady, running start at most
// once per lifecycle.
func (l *lifecycle) ensureReady(ctx context.Context, start func(context.Context) error) error {
	l.mu.Lock()
	switch l.state {
	case StateReady:
		l.mu.Unlock()
		return nil
	case StateStartFailed:
		err := l.err
		l.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	case StateStopping, StateStopped:
		l.mu.Unlock()
		return fmt.Errorf("%w: server is %s", ErrServerUnavailable, l.state)
	case StateStarting, StateWaitingReady:
		ch := l.ready
		l.mu.Unlock()
		return l.await(ctx, ch)
	}

	// First caller: perform the start outside the lock.
	l.state = StateStarting
	l.ready = make(chan struct{})
	ch := l.ready
	l.mu.Unlock()

	err := start(ctx)

	l.mu.Lock()
	if err != nil {
		l.state = StateStartFailed
		l.err = err
	} else if l.state == StateStarting || l.state == StateWaitingReady {
		l.state = StateReady
	}
	close(ch)
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	return nil
}

func (l *lifecycle) await(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		l.mu.Lock()
		state, err := l.state, l.err
		l.mu.Unlock()
		if state == StateReady {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrServerUnavailable, ctx.Err())
	}
}

// beginStop flips the state toward teardown. Returns false when the
// server is already stopped so Stop stays a no-op the second time.
func (l *lifecycle) beginStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopped || l.state == StateStopping {
		return false
	}
	l.state = StateStopping
	return true
}

func (l *lifecycle) finishStop() {
	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
}
