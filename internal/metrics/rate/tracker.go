package rate

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"depthflow/internal/metrics"
	"depthflow/logger"
)

// WSTracker counts outgoing websocket frames within a one second window and
// total handshake attempts for one connection.
type WSTracker struct {
	clock    clock.Clock
	mu       sync.Mutex
	window   time.Time
	msgs     int
	attempts int
}

func NewWSTracker(clk clock.Clock) *WSTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &WSTracker{clock: clk, window: clk.Now()}
}

// RegisterOutgoing records n frames written by the client.
func (t *WSTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
}

func (t *WSTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns the frames sent in the current window and all attempts.
func (t *WSTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clock.Now().Sub(t.window) >= time.Second {
		return 0, t.attempts
	}
	return t.msgs, t.attempts
}

// Report emits the tracker's counters for connection.
func (t *WSTracker) Report(log *logger.Log, connection string) {
	msgs, attempts := t.Stats()
	fields := logger.Fields{"connection": connection}
	metrics.EmitMetric(log, "ws_weight", "outgoing_messages", int64(msgs), "gauge", fields)
	metrics.EmitMetric(log, "ws_weight", "connection_attempts", int64(attempts), "counter", fields)
}
