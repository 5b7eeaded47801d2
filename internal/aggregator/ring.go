package aggregator

import (
	"context"
	"sync"

	"depthflow/internal/model"
)

// TradeRing is the live trade tail of one instrument. Trades keep their
// arrival order; once the ring is full the oldest are overwritten.
type TradeRing struct {
	mu     sync.RWMutex
	buf    []model.Trade
	head   uint64 // sequence number of the next trade
	notify chan struct{}
	closed bool
}

func NewTradeRing(size int) *TradeRing {
	if size <= 0 {
		size = 1
	}
	return &TradeRing{buf: make([]model.Trade, size), notify: make(chan struct{})}
}

func (r *TradeRing) Append(trades ...model.Trade) {
	if len(trades) == 0 {
		return
	}
	r.mu.Lock()
	for _, t := range trades {
		r.buf[r.head%uint64(len(r.buf))] = t
		r.head++
	}
	ch := r.notify
	r.notify = make(chan struct{})
	r.mu.Unlock()
	close(ch)
}

// Close wakes every waiting cursor. Cursors can still drain what is left.
func (r *TradeRing) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ch := r.notify
	r.mu.Unlock()
	close(ch)
}

func (r *TradeRing) oldest() uint64 {
	if n := uint64(len(r.buf)); r.head > n {
		return r.head - n
	}
	return 0
}

// Len is the number of retained trades.
func (r *TradeRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(r.head - r.oldest())
}

// Cursor starts at the oldest retained trade.
func (r *TradeRing) Cursor() *TradeCursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &TradeCursor{ring: r, pos: r.oldest()}
}

// Tail starts after the newest trade, so only future trades are returned.
func (r *TradeRing) Tail() *TradeCursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &TradeCursor{ring: r, pos: r.head}
}

// Snapshot copies the retained trades, oldest first.
func (r *TradeRing) Snapshot() []model.Trade {
	c := r.Cursor()
	trades, _ := c.Next(0)
	return trades
}

// TradeCursor reads a TradeRing lazily. A cursor that falls behind the ring
// skips to the oldest retained trade and reports how many trades it missed.
type TradeCursor struct {
	ring   *TradeRing
	pos    uint64
	missed uint64
}

// Next returns up to limit trades after the cursor (all of them when limit <= 0)
// and the number of trades skipped because the ring overwrote them.
func (c *TradeCursor) Next(limit int) ([]model.Trade, uint64) {
	r := c.ring
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missed uint64
	if oldest := r.oldest(); c.pos < oldest {
		missed = oldest - c.pos
		c.pos = oldest
		c.missed += missed
	}
	n := r.head - c.pos
	if limit > 0 && n > uint64(limit) {
		n = uint64(limit)
	}
	out := make([]model.Trade, 0, n)
	size := uint64(len(r.buf))
	for i := uint64(0); i < n; i++ {
		out = append(out, r.buf[(c.pos+i)%size])
	}
	c.pos += n
	return out, missed
}

// Wait blocks until trades newer than the cursor exist or ctx is done. Once
// the ring is closed and the cursor has read everything, it returns
// ErrRingClosed.
func (c *TradeCursor) Wait(ctx context.Context) error {
	for {
		r := c.ring
		r.mu.RLock()
		pending := r.head > c.pos
		closed := r.closed
		ch := r.notify
		r.mu.RUnlock()
		if pending {
			return nil
		}
		if closed {
			return ErrRingClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Missed is the total number of trades skipped over the cursor's lifetime.
func (c *TradeCursor) Missed() uint64 { return c.missed }
