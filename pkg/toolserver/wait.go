package toolserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"
)

// DefaultReadyTimeout bounds a wait strategy that does not set its own.
const DefaultReadyTimeout = 5 * time.Second

const toolPollInterval = 100 * time.Millisecond

// Prober is the narrow surface a wait strategy observes during
// startup. Protocol servers expose their tool listing and, for
// subprocess transports, the process's stderr stream.
type Prober interface {
	ProbeTools(ctx context.Context) ([]Tool, error)
	LogReader() (io.Reader, bool)
}

// WaitStrategy decides when a starting server is usable. Exactly one
// strategy applies per server; a nil strategy means the transport
// handshake alone signals readiness.
type WaitStrategy interface {
	Wait(ctx context.Context, p Prober) error
	String() string
}

// WaitDelay sleeps for a fixed duration and then proceeds.
func WaitDelay(d time.Duration) WaitStrategy {
	return &delayWait{d: d}
}

type delayWait struct {
	d time.Duration
}

func (w *delayWait) Wait(ctx context.Context, _ Prober) error {
	select {
	case <-time.After(w.d):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ready delay interrupted: %w", ctx.Err())
	}
}

func (w *delayWait) String() string {
	return fmt.Sprintf("delay(%s)", w.d)
}

// WaitForTools polls the server's tool list until every named tool
// appears, or the timeout elapses.
func WaitForTools(names []string, timeout time.Duration) WaitStrategy {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return &toolsWait{names: names, timeout: timeout}
}

type toolsWait struct {
	names   []string
	timeout time.Duration
}

func (w *toolsWait) Wait(ctx context.Context, p Prober) error {
	waitCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(toolPollInterval)
	defer ticker.Stop()

	for {
		tools, err := p.ProbeTools(waitCtx)
		if err == nil && containsAll(tools, w.names) {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if err != nil {
				return fmt.Errorf("tools %v never appeared within %s (last error: %v)", w.names, w.timeout, err)
			}
			return fmt.Errorf("tools %v never appeared within %s", w.names, w.timeout)
		case <-ticker.C:
		}
	}
}

func (w *toolsWait) String() string {
	return fmt.Sprintf("tools(%v, %s)", w.names, w.timeout)
}

func containsAll(tools []Tool, names []string) bool {
	have := make(map[string]bool, len(tools))
	for _, t := range tools {
		have[t.Name] = true
	}
	for _, name := range names {
		if !have[name] {
			return false
		}
	}
	return true
}

// WaitForLog reads process output lines until one matches the pattern,
// or the timeout elapses. Only usable with subprocess transports.
func WaitForLog(pattern string, timeout time.Duration) (WaitStrategy, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid log wait pattern: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return &logWait{re: re, timeout: timeout}, nil
}

type logWait struct {
	re      *regexp.Regexp
	timeout time.Duration
}

func (w *logWait) Wait(ctx context.Context, p Prober) error {
	reader, ok := p.LogReader()
	if !ok {
		return fmt.Errorf("log wait strategy requires a subprocess transport")
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	matched := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			if w.re.MatchString(scanner.Text()) {
				close(matched)
				return
			}
		}
	}()

	select {
	case <-matched:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("log pattern %q never matched within %s", w.re.String(), w.timeout)
	}
}

func (w *logWait) String() string {
	return fmt.Sprintf("log(%q, %s)", w.re.String(), w.timeout)
}
