package channel

import (
	"sort"
	"sync"

	"depthflow/internal/metrics"
	"depthflow/internal/model"
	"depthflow/logger"
)

// Channels indexes the live queues by instrument.
type Channels struct {
	mu     sync.RWMutex
	queues map[model.Instrument]*Queue
	log    *logger.Log
}

func NewChannels() *Channels {
	return &Channels{
		queues: make(map[model.Instrument]*Queue),
		log:    logger.GetLogger(),
	}
}

// Register adds q for inst, replacing and closing any previous queue.
func (c *Channels) Register(inst model.Instrument, q *Queue) {
	c.mu.Lock()
	prev := c.queues[inst]
	c.queues[inst] = q
	c.mu.Unlock()
	if prev != nil && prev != q {
		prev.Close()
	}
	c.log.WithComponent("channels").WithInstrument(inst.String()).Debug("queue registered")
}

// Unregister removes and closes the queue of inst.
func (c *Channels) Unregister(inst model.Instrument) {
	c.mu.Lock()
	q := c.queues[inst]
	delete(c.queues, inst)
	c.mu.Unlock()
	if q != nil {
		q.Close()
	}
}

func (c *Channels) Get(inst model.Instrument) (*Queue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queues[inst]
	return q, ok
}

// MarkStale flags every queue matching pred.
func (c *Channels) MarkStale(reason string, pred func(model.Instrument) bool) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int
	for inst, q := range c.queues {
		if pred == nil || pred(inst) {
			q.MarkStale(reason)
			n++
		}
	}
	return n
}

func (c *Channels) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queues)
}

// Samples reports the occupancy of every queue, sorted by name.
func (c *Channels) Samples() []metrics.QueueSample {
	c.mu.RLock()
	out := make([]metrics.QueueSample, 0, len(c.queues))
	for _, q := range c.queues {
		st := q.Stats()
		out = append(out, metrics.QueueSample{
			Name:     q.Name(),
			Len:      st.Len,
			Capacity: st.Capacity,
			Dropped:  uint64(st.Dropped),
		})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every queue.
func (c *Channels) Close() {
	c.mu.Lock()
	queues := c.queues
	c.queues = make(map[model.Instrument]*Queue)
	c.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
	c.log.WithComponent("channels").Info("queues closed")
}
