package toolserver

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber serves scripted tool lists and an optional log stream.
type fakeProber struct {
	mu       sync.Mutex
	probes   int
	tools    []Tool
	after    int // probes before tools become visible
	logLines io.Reader
}

func (p *fakeProber) ProbeTools(ctx context.Context) ([]Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.probes <= p.after {
		return nil, nil
	}
	return p.tools, nil
}

func (p *fakeProber) LogReader() (io.Reader, bool) {
	if p.logLines == nil {
		return nil, false
	}
	return p.logLines, true
}

func TestWaitDelay(t *testing.T) {
	t.Run("should return after the delay", func(t *testing.T) {
		start := time.Now()
		err := WaitDelay(30 * time.Millisecond).Wait(context.Background(), &fakeProber{})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("should abort on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WaitDelay(time.Minute).Wait(ctx, &fakeProber{})
		assert.Error(t, err)
	})
}

func TestWaitForTools(t *testing.T) {
	t.Run("should succeed once the named tools appear", func(t *testing.T) {
		p := &fakeProber{
			tools: []Tool{{Name: "get_balance"}, {Name: "get_history"}},
			after: 2,
		}

		err := WaitForTools([]string{"get_balance"}, time.Second).Wait(context.Background(), p)
		require.NoError(t, err)
	})

	t.Run("should fail when a tool never appears", func(t *testing.T) {
		p := &fakeProber{tools: []Tool{{Name: "get_balance"}}}

		err := WaitForTools([]string{"missing_tool"}, 150*time.Millisecond).Wait(context.Background(), p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "never appeared")
	})

	t.Run("should require every named tool", func(t *testing.T) {
		p := &fakeProber{tools: []Tool{{Name: "a"}}}

		err := WaitForTools([]string{"a", "b"}, 150*time.Millisecond).Wait(context.Background(), p)
		assert.Error(t, err)
	})
}

func TestWaitForLog(t *testing.T) {
	t.Run("should reject an invalid pattern", func(t *testing.T) {
		_, err := WaitForLog("(unclosed", time.Second)
		assert.Error(t, err)
	})

	t.Run("should succeed when a line matches", func(t *testing.T) {
		p := &fakeProber{
			logLines: strings.NewReader("booting\nlistening on :8080\n"),
		}

		w, err := WaitForLog(`listening on :\d+`, time.Second)
		require.NoError(t, err)
		require.NoError(t, w.Wait(context.Background(), p))
	})

	t.Run("should fail when no line matches before timeout", func(t *testing.T) {
		p := &fakeProber{logLines: strings.NewReader("booting\n")}

		w, err := WaitForLog("ready", 100*time.Millisecond)
		require.NoError(t, err)
		err = w.Wait(context.Background(), p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "never matched")
	})

	t.Run("should fail without a subprocess log stream", func(t *testing.T) {
		w, err := WaitForLog("ready", time.Second)
		require.NoError(t, err)

		err = w.Wait(context.Background(), &fakeProber{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subprocess")
	})
}
