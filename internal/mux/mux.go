// Package mux routes decoded events to per-instrument queues and shares one
// public websocket per exchange among every instrument attached to it.
// Exchanges with credentials also get a private, authenticated websocket.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"depthflow/internal/channel"
	"depthflow/internal/codec"
	"depthflow/internal/connection"
	"depthflow/internal/model"
	"depthflow/logger"
)

var ErrClosed = errors.New("mux closed")

// Conn is the part of connection.Manager the multiplexer drives.
type Conn interface {
	Start(ctx context.Context) error
	Subscribe(topics []string) error
	Unsubscribe(topics []string) error
	Status() connection.Status
	Close()
}

// Factory builds the connection for key together with the codec that
// computes its topics.
type Factory func(key connection.Key, cb connection.Callbacks) (Conn, codec.Codec, error)

type link struct {
	conn        Conn
	codec       codec.Codec
	instruments map[model.Instrument][]string
	topicRefs   map[string]int
}

type Mux struct {
	ctx      context.Context
	channels *channel.Channels
	factory  Factory
	log      *logger.Log

	mu     sync.Mutex
	links  map[connection.Key]*link
	closed bool

	unknown atomic.Int64
}

// New returns a multiplexer whose connections live until ctx is done or
// Close is called.
func New(ctx context.Context, channels *channel.Channels, factory Factory) *Mux {
	return &Mux{
		ctx:      ctx,
		channels: channels,
		factory:  factory,
		log:      logger.GetLogger(),
		links:    make(map[connection.Key]*link),
	}
}

func (m *Mux) Register(inst model.Instrument, q *channel.Queue) {
	m.channels.Register(inst, q)
}

func (m *Mux) Unregister(inst model.Instrument) {
	m.channels.Unregister(inst)
}

// Dispatch pushes events into their instrument queues, preserving order per
// instrument. Events for unregistered instruments are counted and dropped.
func (m *Mux) Dispatch(events []model.Event) {
	for start := 0; start < len(events); {
		target := events[start].Target()
		end := start + 1
		for end < len(events) && events[end].Target() == target {
			end++
		}
		if q, ok := m.channels.Get(target); ok {
			q.Push(events[start:end]...)
		} else {
			m.unknown.Add(int64(end - start))
		}
		start = end
	}
}

// Unknown is the number of events dropped for unregistered instruments.
func (m *Mux) Unknown() int64 { return m.unknown.Load() }

// Push feeds events for a single instrument, e.g. replayed history.
func (m *Mux) Push(inst model.Instrument, events ...model.Event) bool {
	q, ok := m.channels.Get(inst)
	if !ok {
		m.unknown.Add(int64(len(events)))
		return false
	}
	return q.Push(events...)
}

// Attach subscribes inst's streams on the public connection of its exchange,
// creating the connection on first use. Attaching again replaces the stream
// set and only sends the difference.
func (m *Mux) Attach(ctx context.Context, inst model.Instrument, streams codec.StreamSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := connection.Key{Exchange: inst.Exchange, Class: connection.Public}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	l, ok := m.links[key]
	if !ok {
		var err error
		l, err = m.open(key)
		if err != nil {
			return err
		}
	}

	topics := l.codec.Topics(inst, streams)
	previous := l.instruments[inst]
	add, remove := diffTopics(previous, topics)

	var toSubscribe, toUnsubscribe []string
	for _, t := range add {
		if l.topicRefs[t] == 0 {
			toSubscribe = append(toSubscribe, t)
		}
		l.topicRefs[t]++
	}
	for _, t := range remove {
		l.topicRefs[t]--
		if l.topicRefs[t] <= 0 {
			delete(l.topicRefs, t)
			toUnsubscribe = append(toUnsubscribe, t)
		}
	}
	l.instruments[inst] = topics

	if len(toUnsubscribe) > 0 {
		if err := l.conn.Unsubscribe(toUnsubscribe); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", inst, err)
		}
	}
	if len(toSubscribe) > 0 {
		if err := l.conn.Subscribe(toSubscribe); err != nil {
			return fmt.Errorf("subscribe %s: %w", inst, err)
		}
	}

	m.log.WithComponent("mux").WithInstrument(inst.String()).WithFields(logger.Fields{
		"connection": key.String(),
		"topics":     topics,
	}).Debug("instrument attached")
	return nil
}

// Authenticate opens the private connection of ex. It carries no market
// data topics, so a rejected login leaves it Failed without touching the
// public books of ex.
func (m *Mux) Authenticate(ex model.Exchange) error {
	key := connection.Key{Exchange: ex, Class: connection.Private}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.links[key]; ok {
		return nil
	}
	_, err := m.open(key)
	return err
}

// open must be called with m.mu held.
func (m *Mux) open(key connection.Key) (*link, error) {
	cb := connection.Callbacks{OnEvents: m.Dispatch}
	if key.Class == connection.Private {
		cb.OnFailure = func(err error) {
			m.log.WithComponent("mux").WithError(err).WithFields(logger.Fields{"connection": key.String()}).Error("private connection rejected")
		}
	} else {
		cb.OnReconnect = func([]string) { m.markStale(key, "reconnect") }
		cb.OnFailure = func(err error) {
			m.log.WithComponent("mux").WithError(err).WithFields(logger.Fields{"connection": key.String()}).Error("connection failed permanently")
			m.markStale(key, "connection failed")
		}
	}
	conn, c, err := m.factory(key, cb)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	if err := conn.Start(m.ctx); err != nil {
		return nil, fmt.Errorf("start %s: %w", key, err)
	}
	l := &link{
		conn:        conn,
		codec:       c,
		instruments: make(map[model.Instrument][]string),
		topicRefs:   make(map[string]int),
	}
	m.links[key] = l
	return l, nil
}

func (m *Mux) markStale(key connection.Key, reason string) {
	m.mu.Lock()
	l, ok := m.links[key]
	var attached map[model.Instrument]struct{}
	if ok {
		attached = make(map[model.Instrument]struct{}, len(l.instruments))
		for inst := range l.instruments {
			attached[inst] = struct{}{}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	n := m.channels.MarkStale(reason, func(inst model.Instrument) bool {
		_, ok := attached[inst]
		return ok
	})
	m.log.WithComponent("mux").WithFields(logger.Fields{
		"connection":  key.String(),
		"reason":      reason,
		"instruments": n,
	}).Info("books marked stale")
}

// Detach drops inst's topics and closes the connection when no instrument
// is left on it.
func (m *Mux) Detach(inst model.Instrument) {
	key := connection.Key{Exchange: inst.Exchange, Class: connection.Public}

	m.mu.Lock()
	l, ok := m.links[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	topics, attached := l.instruments[inst]
	if !attached {
		m.mu.Unlock()
		return
	}
	delete(l.instruments, inst)

	var toUnsubscribe []string
	for _, t := range topics {
		l.topicRefs[t]--
		if l.topicRefs[t] <= 0 {
			delete(l.topicRefs, t)
			toUnsubscribe = append(toUnsubscribe, t)
		}
	}

	var closing Conn
	if len(l.instruments) == 0 {
		delete(m.links, key)
		closing = l.conn
	} else if len(toUnsubscribe) > 0 {
		if err := l.conn.Unsubscribe(toUnsubscribe); err != nil {
			m.log.WithComponent("mux").WithError(err).WithInstrument(inst.String()).Warn("unsubscribe failed")
		}
	}
	m.mu.Unlock()

	if closing != nil {
		closing.Close()
		m.log.WithComponent("mux").WithFields(logger.Fields{"connection": key.String()}).Info("last instrument detached, connection closed")
	}
}

// Resubscribe re-requests inst's depth topic. Venues that deliver the order
// book snapshot in-stream send a fresh snapshot on subscribe.
func (m *Mux) Resubscribe(inst model.Instrument) error {
	key := connection.Key{Exchange: inst.Exchange, Class: connection.Public}

	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[key]
	if !ok {
		return fmt.Errorf("%s is not attached", inst)
	}
	if _, attached := l.instruments[inst]; !attached {
		return fmt.Errorf("%s is not attached", inst)
	}
	depth := l.codec.Topics(inst, codec.StreamSet{Depth: true})
	if len(depth) == 0 {
		return nil
	}
	if err := l.conn.Unsubscribe(depth); err != nil {
		return err
	}
	return l.conn.Subscribe(depth)
}

// Connections returns the status of every open connection.
func (m *Mux) Connections() []connection.Status {
	m.mu.Lock()
	conns := make([]Conn, 0, len(m.links))
	for _, l := range m.links {
		conns = append(conns, l.conn)
	}
	m.mu.Unlock()

	out := make([]connection.Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// ReportWeights emits outbound frame counters for connections that track them.
func (m *Mux) ReportWeights() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if r, ok := l.conn.(interface{ ReportWeight() }); ok {
			r.ReportWeight()
		}
	}
}

// Close closes every connection.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.links
	m.links = make(map[connection.Key]*link)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range links {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			c.Close()
		}(l.conn)
	}
	wg.Wait()
}

func diffTopics(old, next []string) (add, remove []string) {
	oldSet := make(map[string]struct{}, len(old))
	for _, t := range old {
		oldSet[t] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(next))
	for _, t := range next {
		newSet[t] = struct{}{}
		if _, ok := oldSet[t]; !ok {
			add = append(add, t)
		}
	}
	for _, t := range old {
		if _, ok := newSet[t]; !ok {
			remove = append(remove, t)
		}
	}
	return add, remove
}
