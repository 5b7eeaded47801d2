package feed

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/codec"
	"depthflow/internal/connection"
	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/internal/mux"
	"depthflow/internal/orderbook"
)

var t0 = time.Date(2024, 1, 10, 12, 0, 30, 0, time.UTC)

type fakeConn struct {
	mu           sync.Mutex
	key          connection.Key
	subscribed   [][]string
	unsubscribed [][]string
	closed       bool
}

func (c *fakeConn) Start(context.Context) error { return nil }

func (c *fakeConn) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, append([]string(nil), topics...))
	return nil
}

func (c *fakeConn) Unsubscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, append([]string(nil), topics...))
	return nil
}

func (c *fakeConn) Status() connection.Status {
	return connection.Status{Key: c.key, State: connection.Connected}
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) unsubscribedWith(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, batch := range c.unsubscribed {
		for _, topic := range batch {
			if strings.HasPrefix(topic, prefix) {
				return true
			}
		}
	}
	return false
}

func (c *fakeConn) unsubscribeCount(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, batch := range c.unsubscribed {
		for _, topic := range batch {
			if strings.HasPrefix(topic, prefix) {
				n++
			}
		}
	}
	return n
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (ff *fakeFactory) build(key connection.Key, _ connection.Callbacks) (mux.Conn, codec.Codec, error) {
	c, err := codec.New(key.Exchange, codec.Options{})
	if err != nil {
		return nil, nil, err
	}
	fc := &fakeConn{key: key}
	ff.mu.Lock()
	ff.conns = append(ff.conns, fc)
	ff.mu.Unlock()
	return fc, c, nil
}

func (ff *fakeFactory) last() *fakeConn {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.conns) == 0 {
		return nil
	}
	return ff.conns[len(ff.conns)-1]
}

type fakeSource struct {
	mu            sync.Mutex
	snapshot      model.DepthSnapshot
	snapshotErrs  []error
	snapshotCalls int
	klines        []model.Kline
	klineErr      error
	trades        []model.Trade
	tradeErr      error
}

func (s *fakeSource) Venue() model.Venue { return model.VenueBinance }

func (s *fakeSource) FetchKlines(_ context.Context, _ model.Instrument, _ model.Timeframe, start, end time.Time, limit int) ([]model.Kline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.klineErr != nil {
		return nil, s.klineErr
	}
	var out []model.Kline
	for _, k := range s.klines {
		if !k.OpenTime.Before(start) && k.OpenTime.Before(end) && len(out) < limit {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeSource) FetchTrades(_ context.Context, _ model.Instrument, start, end time.Time, limit int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tradeErr != nil {
		return nil, s.tradeErr
	}
	var out []model.Trade
	for _, t := range s.trades {
		if !t.Time.Before(start) && t.Time.Before(end) && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeSource) FetchSnapshot(_ context.Context, inst model.Instrument, _ int) (model.DepthSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	if len(s.snapshotErrs) > 0 {
		err := s.snapshotErrs[0]
		s.snapshotErrs = s.snapshotErrs[1:]
		return model.DepthSnapshot{}, err
	}
	snap := s.snapshot
	snap.Instrument = inst
	return snap, nil
}

func (s *fakeSource) TickerInfo(_ context.Context, inst model.Instrument) (model.TickerInfo, error) {
	return model.TickerInfo{Instrument: inst, TickSize: model.PriceStep(model.MustPrice("0.1"))}, nil
}

func (s *fakeSource) OpenInterest(context.Context, model.Instrument) (model.OpenInterest, error) {
	return model.OpenInterest{}, fetcher.ErrUnsupported
}

func (s *fakeSource) set(fn func(s *fakeSource)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type harness struct {
	feed    *Feed
	mux     *mux.Mux
	factory *fakeFactory
	source  *fakeSource
	clock   *clock.Mock
	closed  chan model.Candle
}

func newHarness(t *testing.T, tweak func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Feed.PriceStep = "0.1"
	cfg.Feed.TickInterval = time.Second
	cfg.Fetcher.BackfillCandles = 0
	cfg.Fetcher.BackfillTrades = 0
	cfg.Fetcher.MaxRetries = 0
	cfg.Metrics.QueueSize = false
	if tweak != nil {
		tweak(&cfg)
	}

	clk := clock.NewMock()
	clk.Set(t0)

	ff := &fakeFactory{}
	m := mux.New(context.Background(), channel.NewChannels(), ff.build)
	src := &fakeSource{}
	ft := fetcher.New(cfg.Fetcher, clk)
	ft.Register(src, config.RateLimitConfig{})

	closed := make(chan model.Candle, 64)
	f, err := New(&cfg, m, ft, clk, func(c model.Candle) {
		select {
		case closed <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	f.Start(context.Background())
	t.Cleanup(func() {
		f.Stop()
		m.Close()
	})
	return &harness{feed: f, mux: m, factory: ff, source: src, clock: clk, closed: closed}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func level(price, qty string) model.DepthLevel {
	return model.DepthLevel{Price: model.MustPrice(price), Qty: decimal.RequireFromString(qty)}
}

func bookState(f *Feed, inst model.Instrument) orderbook.Snapshot {
	snap, _ := f.OrderBookSnapshot(inst)
	return snap
}

func TestBinanceBookSyncsFromRestSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.source.set(func(s *fakeSource) {
		s.snapshot = model.DepthSnapshot{
			Seq:  100,
			Bids: []model.DepthLevel{level("99", "1")},
			Asks: []model.DepthLevel{level("101", "2")},
		}
	})
	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.mux.Dispatch([]model.Event{model.DepthDiff{
		Instrument: inst,
		FirstSeq:   95,
		FinalSeq:   101,
		PrevSeq:    model.NoSeq,
		Bids:       []model.DepthLevel{level("100", "3")},
		Time:       t0,
	}})

	waitFor(t, "live book", func() bool { return bookState(h.feed, inst).Live() })
	snap := bookState(h.feed, inst)
	if snap.Seq != 101 {
		t.Fatalf("expected cursor 101, got %d", snap.Seq)
	}
	if len(snap.Bids) != 2 || snap.Bids[0].Price != model.MustPrice("100") {
		t.Fatalf("unexpected bids: %+v", snap.Bids)
	}

	// A gap leaves the book stale and triggers another REST snapshot.
	h.source.set(func(s *fakeSource) { s.snapshot.Seq = 200 })
	h.mux.Dispatch([]model.Event{model.DepthDiff{Instrument: inst, FirstSeq: 150, FinalSeq: 151, PrevSeq: model.NoSeq, Time: t0}})
	waitFor(t, "resync", func() bool {
		snap := bookState(h.feed, inst)
		return snap.Live() && snap.Seq == 200
	})
	if bookState(h.feed, inst).Resyncs != 1 {
		t.Fatalf("expected one resync, got %d", bookState(h.feed, inst).Resyncs)
	}
}

func TestSnapshotFailureRetriesAfterBackoff(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Feed.ResyncAlert = 1
	})
	h.source.set(func(s *fakeSource) {
		s.snapshot = model.DepthSnapshot{Seq: 10, Bids: []model.DepthLevel{level("99", "1")}}
		s.snapshotErrs = []error{&fetcher.StatusError{Venue: model.VenueBinance, Status: http.StatusBadRequest, Message: "bad"}}
	})
	inst := model.NewInstrument(model.BinanceLinear, "ETHUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.mux.Dispatch([]model.Event{model.DepthDiff{Instrument: inst, FirstSeq: 11, FinalSeq: 11, PrevSeq: model.NoSeq, Time: t0}})

	waitFor(t, "failure reported", func() bool { return bookState(h.feed, inst).LastError != nil })
	if bookState(h.feed, inst).Live() {
		t.Fatal("book must not be live after a failed snapshot")
	}

	waitFor(t, "retry after backoff", func() bool {
		h.clock.Add(time.Second)
		return bookState(h.feed, inst).Live()
	})
	h.source.mu.Lock()
	calls := h.source.snapshotCalls
	h.source.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 2 snapshot calls, got %d", calls)
	}
}

func TestInStreamVenueResubscribesOnGap(t *testing.T) {
	h := newHarness(t, nil)
	inst := model.NewInstrument(model.BybitLinear, "BTCUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.mux.Dispatch([]model.Event{model.DepthSnapshot{
		Instrument: inst,
		Seq:        5,
		Bids:       []model.DepthLevel{level("99", "1")},
		Asks:       []model.DepthLevel{level("101", "1")},
		Time:       t0,
	}})
	waitFor(t, "live book", func() bool { return bookState(h.feed, inst).Live() })

	h.mux.Dispatch([]model.Event{model.DepthDiff{Instrument: inst, FirstSeq: 9, FinalSeq: 9, PrevSeq: model.NoSeq, Time: t0}})
	conn := h.factory.last()
	waitFor(t, "resubscribe", func() bool { return conn.unsubscribedWith("orderbook.") })

	if st := bookState(h.feed, inst).State; st != orderbook.Stale {
		t.Fatalf("expected stale book until the new snapshot, got %s", st)
	}
	h.mux.Dispatch([]model.Event{model.DepthSnapshot{Instrument: inst, Seq: 20, Bids: []model.DepthLevel{level("98", "1")}, Time: t0}})
	waitFor(t, "live again", func() bool { return bookState(h.feed, inst).Seq == 20 })
}

func TestInStreamResyncTimesOutAndRetries(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Feed.SnapshotTimeout = 5 * time.Second
	})
	inst := model.NewInstrument(model.BybitLinear, "ETHUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.mux.Dispatch([]model.Event{model.DepthSnapshot{Instrument: inst, Seq: 5, Bids: []model.DepthLevel{level("99", "1")}, Time: t0}})
	waitFor(t, "live book", func() bool { return bookState(h.feed, inst).Live() })

	h.mux.Dispatch([]model.Event{model.DepthDiff{Instrument: inst, FirstSeq: 9, FinalSeq: 9, PrevSeq: model.NoSeq, Time: t0}})
	conn := h.factory.last()
	waitFor(t, "resubscribe", func() bool { return conn.unsubscribeCount("orderbook.") == 1 })

	// The venue never answers; every timeout counts as a failed snapshot.
	waitFor(t, "resync failure surfaced", func() bool {
		h.clock.Add(time.Second)
		return bookState(h.feed, inst).LastError != nil
	})
	snap := bookState(h.feed, inst)
	if !errors.Is(snap.LastError, ErrSnapshotTimeout) {
		t.Fatalf("expected snapshot timeout, got %v", snap.LastError)
	}
	if snap.State != orderbook.Stale || len(snap.Bids) != 1 {
		t.Fatalf("expected the stale book to be retained, got %s with %d bids", snap.State, len(snap.Bids))
	}
	if n := conn.unsubscribeCount("orderbook."); n < 2 {
		t.Fatalf("expected the depth topic to be cycled again, got %d", n)
	}

	h.mux.Dispatch([]model.Event{model.DepthSnapshot{Instrument: inst, Seq: 50, Bids: []model.DepthLevel{level("98", "1")}, Time: t0}})
	waitFor(t, "live again", func() bool {
		snap := bookState(h.feed, inst)
		return snap.Live() && snap.Seq == 50
	})
}

func TestHeatmapSamplesEveryDepthUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.source.set(func(s *fakeSource) {
		s.snapshot = model.DepthSnapshot{
			Seq:  100,
			Bids: []model.DepthLevel{level("99", "1")},
			Asks: []model.DepthLevel{level("101", "2")},
		}
	})
	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.mux.Dispatch([]model.Event{model.DepthDiff{Instrument: inst, FirstSeq: 95, FinalSeq: 101, PrevSeq: model.NoSeq, Time: t0}})
	waitFor(t, "live book", func() bool { return bookState(h.feed, inst).Live() })

	sampled := func(bucket time.Time) bool {
		cols, err := h.feed.Heatmap(inst, model.MS100)
		if err != nil || len(cols) == 0 {
			return false
		}
		last := cols[len(cols)-1]
		return last.Time.Equal(bucket) && len(last.Bids) > 0
	}
	for i := 0; i < 30; i++ {
		h.clock.Add(100 * time.Millisecond)
		now := h.clock.Now()
		seq := int64(102 + i)
		h.mux.Dispatch([]model.Event{model.DepthDiff{Instrument: inst, FirstSeq: seq, FinalSeq: seq, PrevSeq: model.NoSeq, Bids: []model.DepthLevel{level("98", "1")}, Time: now}})
		waitFor(t, "100ms column sampled", func() bool { return sampled(model.MS100.BucketStart(now)) })
	}

	cols, err := h.feed.Heatmap(inst, model.MS100)
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	n := 0
	for _, c := range cols {
		if len(c.Bids) > 0 {
			n++
		}
	}
	if n < 30 {
		t.Fatalf("expected a sampled column per 100ms bucket, got %d", n)
	}
}

func TestTradesBuildCandlesAndTradeFeed(t *testing.T) {
	h := newHarness(t, nil)
	inst := model.NewInstrument(model.BybitLinear, "SOLUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst, model.TimeResolution(model.M1), model.TickResolution(2)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	trade := func(id, price string, at time.Time) model.Event {
		return model.TradeEvent{Trade: model.Trade{
			Instrument: inst,
			ID:         id,
			Price:      model.MustPrice(price),
			Qty:        decimal.RequireFromString("1"),
			Side:       model.Buy,
			Time:       at,
		}}
	}
	cursor, err := h.feed.TradeFeed(inst)
	if err != nil {
		t.Fatalf("trade feed: %v", err)
	}

	h.mux.Dispatch([]model.Event{
		trade("1", "10", t0),
		trade("2", "12", t0.Add(time.Second)),
		trade("2", "12", t0.Add(time.Second)),
	})
	waitFor(t, "trades applied", func() bool {
		st, _ := h.feed.Status(inst)
		return st.Trades.Trades == 2 && st.Trades.Duplicates == 1
	})

	candles, err := h.feed.CandleSeries(inst, model.TimeResolution(model.M1))
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	last := candles[len(candles)-1]
	if last.Closed || last.Trades != 2 || last.High != model.MustPrice("12") {
		t.Fatalf("unexpected open candle: %+v", last)
	}
	ticks, err := h.feed.CandleSeries(inst, model.TickResolution(2))
	if err != nil || len(ticks) != 1 {
		t.Fatalf("unexpected tick series: %v %+v", err, ticks)
	}

	got, missed := cursor.Next(0)
	if missed != 0 || len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Fatalf("unexpected trade feed: %+v missed=%d", got, missed)
	}

	// The feed ticker closes the bucket once its grace has passed.
	h.clock.Add(2 * time.Minute)
	var exported *model.Candle
	waitFor(t, "closed candle exported", func() bool {
		select {
		case c := <-h.closed:
			if c.Resolution == model.TimeResolution(model.M1) && exported == nil {
				exported = &c
			}
		default:
		}
		return exported != nil
	})
	if !exported.OpenTime.Equal(t0.Truncate(time.Minute)) || !exported.Closed || exported.Trades != 2 {
		t.Fatalf("unexpected exported candle: %+v", exported)
	}
}

func TestBackfillReplaysKlines(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Fetcher.BackfillCandles = 5
	})
	bucket := t0.Truncate(time.Minute)
	var klines []model.Kline
	for i := 5; i >= 1; i-- {
		klines = append(klines, model.Kline{
			OpenTime: bucket.Add(-time.Duration(i) * time.Minute),
			Open:     model.MustPrice("10"),
			High:     model.MustPrice("11"),
			Low:      model.MustPrice("9"),
			Close:    model.MustPrice("10.5"),
			Volume:   decimal.RequireFromString("3"),
			Trades:   4,
		})
	}
	h.source.set(func(s *fakeSource) { s.klines = klines })

	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, "klines replayed", func() bool {
		st, _ := h.feed.Status(inst)
		return st.Trades.Klines == 5
	})
	candles, _ := h.feed.CandleSeries(inst, model.TimeResolution(model.M1))
	if len(candles) < 5 {
		t.Fatalf("expected backfilled candles, got %d", len(candles))
	}
	if !candles[0].OpenTime.Equal(bucket.Add(-5*time.Minute)) || candles[0].Trades != 4 || !candles[0].Closed {
		t.Fatalf("unexpected first candle: %+v", candles[0])
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime.Sub(candles[i-1].OpenTime) != time.Minute {
			t.Fatalf("candle axis not contiguous at %d", i)
		}
	}
}

func TestPartialBackfillIsReportedAndResumed(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Fetcher.BackfillTrades = 10 * time.Minute
	})
	h.source.set(func(s *fakeSource) {
		s.tradeErr = &fetcher.StatusError{Venue: model.VenueBinance, Status: http.StatusForbidden, Message: "blocked"}
	})
	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, "partial history", func() bool {
		st, _ := h.feed.Status(inst)
		return len(st.Partial) == 1
	})
	st, _ := h.feed.Status(inst)
	if st.Partial[0].Stream != "trades" || !st.Partial[0].ResumeAt.Equal(t0.Add(-10*time.Minute)) {
		t.Fatalf("unexpected partial history: %+v", st.Partial[0])
	}

	h.source.set(func(s *fakeSource) {
		s.tradeErr = nil
		s.trades = []model.Trade{{Instrument: inst, ID: "h1", Price: model.MustPrice("10"), Qty: decimal.RequireFromString("1"), Time: t0.Add(-5 * time.Minute)}}
	})
	if err := h.feed.ResumeBackfill(inst); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "resumed", func() bool {
		st, _ := h.feed.Status(inst)
		return len(st.Partial) == 0 && st.Trades.Historical == 1
	})
}

func TestUnsupportedHistoryIsNotPartial(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Fetcher.BackfillCandles = 10
	})
	h.source.set(func(s *fakeSource) { s.klineErr = fetcher.ErrUnsupported })
	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	st, _ := h.feed.Status(inst)
	if len(st.Partial) != 0 {
		t.Fatalf("unsupported history must not be reported partial: %+v", st.Partial)
	}
}

func TestUnsubscribeReleasesInstrument(t *testing.T) {
	h := newHarness(t, nil)
	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	first, err := h.feed.Subscribe(context.Background(), inst, model.TimeResolution(model.M1))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := h.feed.Subscribe(context.Background(), inst, model.TimeResolution(model.M5))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	res, _ := h.feed.Resolutions(inst)
	if len(res) != 2 {
		t.Fatalf("expected two resolutions, got %v", res)
	}

	if err := h.feed.Unsubscribe(second); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	res, _ = h.feed.Resolutions(inst)
	if len(res) != 1 || res[0] != model.TimeResolution(model.M1) {
		t.Fatalf("expected only 1m left, got %v", res)
	}
	if err := h.feed.Unsubscribe(second); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected unknown handle, got %v", err)
	}

	if err := h.feed.Unsubscribe(first); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := h.feed.OrderBookSnapshot(inst); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected unknown instrument, got %v", err)
	}
	if conn := h.factory.last(); conn == nil || !conn.isClosed() {
		t.Fatal("connection must close with its last instrument")
	}
	if h.mux.Push(inst, model.TradeEvent{}) {
		t.Fatal("queue must be unregistered")
	}
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.feed.Subscribe(context.Background(), model.Instrument{}); err == nil {
		t.Fatal("expected error for empty instrument")
	}
	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	if _, err := h.feed.Subscribe(context.Background(), inst, model.Resolution{}); err == nil {
		t.Fatal("expected error for invalid resolution")
	}
}
