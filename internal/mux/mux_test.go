package mux

import (
	"context"
	"sort"
	"sync"
	"testing"

	"depthflow/internal/channel"
	"depthflow/internal/codec"
	"depthflow/internal/connection"
	"depthflow/internal/model"
)

type fakeConn struct {
	mu           sync.Mutex
	key          connection.Key
	cb           connection.Callbacks
	started      bool
	closed       bool
	state        connection.State
	subscribed   [][]string
	unsubscribed [][]string
}

func (f *fakeConn) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeConn) Subscribe(topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, append([]string(nil), topics...))
	return nil
}

func (f *fakeConn) Unsubscribe(topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, append([]string(nil), topics...))
	return nil
}

func (f *fakeConn) Status() connection.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == connection.Disconnected {
		return connection.Status{Key: f.key, State: connection.Connected}
	}
	return connection.Status{Key: f.key, State: f.state}
}

func (f *fakeConn) fail(err error) {
	f.mu.Lock()
	f.state = connection.Failed
	f.mu.Unlock()
	f.cb.OnFailure(err)
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeFactory struct {
	mu    sync.Mutex
	conns map[connection.Key][]*fakeConn
}

func (ff *fakeFactory) build(key connection.Key, cb connection.Callbacks) (Conn, codec.Codec, error) {
	c, err := codec.New(key.Exchange, codec.Options{})
	if err != nil {
		return nil, nil, err
	}
	fc := &fakeConn{key: key, cb: cb}
	ff.mu.Lock()
	if ff.conns == nil {
		ff.conns = make(map[connection.Key][]*fakeConn)
	}
	ff.conns[key] = append(ff.conns[key], fc)
	ff.mu.Unlock()
	return fc, c, nil
}

func newTestMux() (*Mux, *fakeFactory) {
	ff := &fakeFactory{}
	return New(context.Background(), channel.NewChannels(), ff.build), ff
}

func trade(inst model.Instrument, id string) model.Event {
	return model.TradeEvent{Trade: model.Trade{Instrument: inst, ID: id}}
}

func TestDispatchRoutesByInstrument(t *testing.T) {
	m, _ := newTestMux()
	btc := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	eth := model.NewInstrument(model.BinanceLinear, "ETHUSDT")
	qb := channel.NewQueue(btc.String(), 8)
	m.Register(btc, qb)

	m.Dispatch([]model.Event{trade(btc, "1"), trade(eth, "2"), trade(btc, "3")})

	events, _, err := qb.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].(model.TradeEvent).Trade.ID != "1" || events[1].(model.TradeEvent).Trade.ID != "3" {
		t.Fatalf("order not preserved: %+v", events)
	}
	if m.Unknown() != 1 {
		t.Fatalf("expected 1 unknown event, got %d", m.Unknown())
	}
}

func TestAttachSharesConnectionAndRefcounts(t *testing.T) {
	m, ff := newTestMux()
	ctx := context.Background()
	btc := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	eth := model.NewInstrument(model.BinanceLinear, "ETHUSDT")

	if err := m.Attach(ctx, btc, codec.DefaultStreams); err != nil {
		t.Fatalf("attach btc: %v", err)
	}
	if err := m.Attach(ctx, eth, codec.DefaultStreams); err != nil {
		t.Fatalf("attach eth: %v", err)
	}

	key := connection.Key{Exchange: model.BinanceLinear}
	conns := ff.conns[key]
	if len(conns) != 1 {
		t.Fatalf("expected one shared connection, got %d", len(conns))
	}
	fc := conns[0]
	if !fc.started || len(fc.subscribed) != 2 {
		t.Fatalf("unexpected connection state: started=%v subs=%v", fc.started, fc.subscribed)
	}

	m.Detach(btc)
	if fc.closed {
		t.Fatal("connection closed while eth is still attached")
	}
	if len(fc.unsubscribed) != 1 {
		t.Fatalf("expected btc topics unsubscribed, got %v", fc.unsubscribed)
	}

	m.Detach(eth)
	if !fc.closed {
		t.Fatal("connection should close after the last instrument leaves")
	}
	if len(m.Connections()) != 0 {
		t.Fatal("no connections should remain")
	}

	if err := m.Attach(ctx, btc, codec.DefaultStreams); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if len(ff.conns[key]) != 2 {
		t.Fatal("re-attach should open a fresh connection")
	}
}

func TestAttachSendsOnlyTheDifference(t *testing.T) {
	m, ff := newTestMux()
	ctx := context.Background()
	btc := model.NewInstrument(model.BybitLinear, "BTCUSDT")

	_ = m.Attach(ctx, btc, codec.DefaultStreams)
	_ = m.Attach(ctx, btc, codec.StreamSet{Depth: true, Trades: true, Klines: []model.Timeframe{model.M1}})

	fc := ff.conns[connection.Key{Exchange: model.BybitLinear}][0]
	if len(fc.subscribed) != 2 {
		t.Fatalf("expected two subscribe calls, got %v", fc.subscribed)
	}
	if got := fc.subscribed[1]; len(got) != 1 || got[0] != "kline.1.BTCUSDT" {
		t.Fatalf("second subscribe should only add the kline topic, got %v", got)
	}
}

func TestReconnectMarksAttachedBooksStale(t *testing.T) {
	m, ff := newTestMux()
	ctx := context.Background()
	btc := model.NewInstrument(model.OKXSpot, "BTC-USDT")
	other := model.NewInstrument(model.BybitSpot, "BTCUSDT")
	qb, qo := channel.NewQueue(btc.String(), 4), channel.NewQueue(other.String(), 4)
	m.Register(btc, qb)
	m.Register(other, qo)
	_ = m.Attach(ctx, btc, codec.DefaultStreams)
	_ = m.Attach(ctx, other, codec.DefaultStreams)

	fc := ff.conns[connection.Key{Exchange: model.OKXSpot}][0]
	fc.cb.OnReconnect(nil)

	if _, stale, _ := qb.Pop(ctx); !stale {
		t.Fatal("okx book should be stale after reconnect")
	}
	if qo.Len() != 0 {
		t.Fatal("bybit queue must not be touched")
	}
}

func TestResubscribeCyclesDepthTopic(t *testing.T) {
	m, ff := newTestMux()
	ctx := context.Background()
	btc := model.NewInstrument(model.BybitLinear, "BTCUSDT")
	if err := m.Resubscribe(btc); err == nil {
		t.Fatal("expected error for unattached instrument")
	}
	_ = m.Attach(ctx, btc, codec.DefaultStreams)
	if err := m.Resubscribe(btc); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	fc := ff.conns[connection.Key{Exchange: model.BybitLinear}][0]
	last := fc.subscribed[len(fc.subscribed)-1]
	sort.Strings(last)
	if len(last) != 1 || last[0] != "orderbook.500.BTCUSDT" {
		t.Fatalf("unexpected resubscribe topics: %v", last)
	}
	if len(fc.unsubscribed) != 1 {
		t.Fatalf("expected depth unsubscribe, got %v", fc.unsubscribed)
	}
}

func TestRejectedLoginLeavesPublicBooksWorking(t *testing.T) {
	m, ff := newTestMux()
	ctx := context.Background()
	btc := model.NewInstrument(model.BybitLinear, "BTCUSDT")
	q := channel.NewQueue(btc.String(), 8)
	m.Register(btc, q)
	if err := m.Attach(ctx, btc, codec.DefaultStreams); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := m.Authenticate(model.BybitLinear); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := m.Authenticate(model.BybitLinear); err != nil {
		t.Fatalf("second authenticate: %v", err)
	}

	private := ff.conns[connection.Key{Exchange: model.BybitLinear, Class: connection.Private}]
	if len(private) != 1 || !private[0].started {
		t.Fatalf("expected one started private connection, got %d", len(private))
	}
	if len(private[0].subscribed) != 0 {
		t.Fatalf("private connection must carry no market topics, got %v", private[0].subscribed)
	}
	private[0].fail(&connection.AuthError{Key: private[0].key, Reason: "invalid api key"})

	states := map[string]connection.State{}
	for _, st := range m.Connections() {
		states[st.Key.String()] = st.State
	}
	if states["bybit_linear:private"] != connection.Failed {
		t.Fatalf("private connection should be failed, got %v", states)
	}
	if states["bybit_linear:public"] != connection.Connected {
		t.Fatalf("public connection should stay connected, got %v", states)
	}

	m.Dispatch([]model.Event{trade(btc, "1")})
	events, stale, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if stale || len(events) != 1 {
		t.Fatalf("public book must keep flowing: stale=%v events=%d", stale, len(events))
	}

	m.Detach(btc)
	if len(m.Connections()) != 1 {
		t.Fatal("private connection should outlive the last public instrument")
	}
	m.Close()
	if !private[0].closed {
		t.Fatal("close should close the private connection")
	}
}
