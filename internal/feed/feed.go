// Package feed is the entry point for collaborators. It owns one actor per
// subscribed instrument, wires the actor's queue into the multiplexer and
// exposes the published book, candle, trade and heatmap views.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"depthflow/config"
	"depthflow/internal/aggregator"
	"depthflow/internal/codec"
	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/internal/mux"
	"depthflow/internal/orderbook"
	"depthflow/logger"
)

var (
	ErrUnknownInstrument = errors.New("feed: instrument not subscribed")
	ErrUnknownHandle     = errors.New("feed: unknown subscription handle")
	ErrClosed            = errors.New("feed: closed")
	ErrSnapshotTimeout   = errors.New("feed: in-stream snapshot did not arrive")
)

// Handle identifies one Subscribe call. Several handles may share an
// instrument; its state is dropped when the last one is released.
type Handle struct {
	ID         uuid.UUID
	Instrument model.Instrument
}

func (h Handle) String() string { return h.Instrument.String() + "#" + h.ID.String()[:8] }

type subscription struct {
	handle      Handle
	resolutions []model.Resolution
}

// Feed routes subscriptions to instrument actors.
type Feed struct {
	cfg     *config.Config
	mux     *mux.Mux
	fetcher *fetcher.Fetcher
	sink    aggregator.Sink
	clock   clock.Clock
	log     *logger.Log
	step    model.PriceStep

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
	actors  map[model.Instrument]*actor
	handles map[uuid.UUID]*subscription
}

// New validates the feed section of cfg. sink receives every closed candle
// and may be nil.
func New(cfg *config.Config, m *mux.Mux, f *fetcher.Fetcher, clk clock.Clock, sink aggregator.Sink) (*Feed, error) {
	if clk == nil {
		clk = clock.New()
	}
	var step model.PriceStep
	if cfg.Feed.PriceStep != "" {
		s, err := model.ParsePriceStep(cfg.Feed.PriceStep)
		if err != nil {
			return nil, fmt.Errorf("invalid feed.price_step: %w", err)
		}
		step = s
	}
	return &Feed{
		cfg:     cfg,
		mux:     m,
		fetcher: f,
		sink:    sink,
		clock:   clk,
		log:     logger.GetLogger(),
		step:    step,
		actors:  make(map[model.Instrument]*actor),
		handles: make(map[uuid.UUID]*subscription),
	}, nil
}

// Start sets the lifetime of every actor.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.running = true
	f.log.WithComponent("feed").WithFields(logger.Fields{
		"queue_size":    f.cfg.Feed.QueueSize,
		"tick_interval": f.cfg.Feed.TickInterval.String(),
	}).Info("feed started")
}

// Stop tears down every instrument and releases all handles.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	actors := make([]*actor, 0, len(f.actors))
	for inst, a := range f.actors {
		actors = append(actors, a)
		delete(f.actors, inst)
	}
	f.handles = make(map[uuid.UUID]*subscription)
	f.mu.Unlock()

	for _, a := range actors {
		f.release(a)
	}
	f.cancel()
	f.log.WithComponent("feed").WithFields(logger.Fields{"instruments": len(actors)}).Info("feed stopped")
}

// Subscribe starts streaming inst, or joins the running stream when another
// handle already holds it. Resolutions not yet tracked are added and
// backfilled; with none given 1m candles are tracked.
func (f *Feed) Subscribe(ctx context.Context, inst model.Instrument, resolutions ...model.Resolution) (Handle, error) {
	if inst.IsZero() || !inst.Exchange.Valid() {
		return Handle{}, fmt.Errorf("invalid instrument %q", inst.String())
	}
	if len(resolutions) == 0 {
		resolutions = []model.Resolution{model.TimeResolution(model.M1)}
	}
	for _, res := range resolutions {
		if !res.Valid() {
			return Handle{}, fmt.Errorf("invalid resolution %s", res)
		}
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	f.mu.RLock()
	_, exists := f.actors[inst]
	f.mu.RUnlock()
	step := f.step
	if !exists && step == 0 && f.fetcher != nil {
		step = f.tickSize(ctx, inst)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return Handle{}, ErrClosed
	}

	a, ok := f.actors[inst]
	if !ok {
		var err error
		a, err = f.spawn(ctx, inst, step, resolutions)
		if err != nil {
			return Handle{}, err
		}
		f.actors[inst] = a
	} else {
		for _, res := range resolutions {
			a.addResolution(res)
		}
		if err := f.attach(ctx, a); err != nil {
			return Handle{}, err
		}
	}

	h := Handle{ID: uuid.New(), Instrument: inst}
	f.handles[h.ID] = &subscription{handle: h, resolutions: append([]model.Resolution(nil), resolutions...)}
	a.refs++

	f.log.WithComponent("feed").WithInstrument(inst.String()).WithFields(logger.Fields{
		"handle":      h.String(),
		"resolutions": resolutionNames(resolutions),
		"handles":     a.refs,
	}).Info("subscribed")
	return h, nil
}

// spawn must be called with f.mu held.
func (f *Feed) spawn(ctx context.Context, inst model.Instrument, step model.PriceStep, resolutions []model.Resolution) (*actor, error) {
	a, err := newActor(f, inst, step, resolutions)
	if err != nil {
		return nil, err
	}
	f.mux.Register(inst, a.queue)
	if err := f.attach(ctx, a); err != nil {
		f.mux.Unregister(inst)
		a.queue.Close()
		return nil, err
	}
	a.start(f.ctx)
	return a, nil
}

// tickSize falls back to the venue's tick when no price step is configured.
func (f *Feed) tickSize(ctx context.Context, inst model.Instrument) model.PriceStep {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Fetcher.Timeout)
	defer cancel()
	info, err := f.fetcher.TickerInfo(ctx, inst)
	if err != nil {
		f.log.WithComponent("feed").WithInstrument(inst.String()).WithError(err).Warn("ticker info unavailable, footprint left ungrouped")
		return 0
	}
	return info.TickSize
}

func (f *Feed) attach(ctx context.Context, a *actor) error {
	streams := codec.StreamSet{Depth: true, Trades: true}
	for _, res := range a.agg.Resolutions() {
		if !res.IsTicks() && !res.Timeframe.IsHeatmap() {
			streams.Klines = append(streams.Klines, res.Timeframe)
		}
	}
	if err := f.mux.Attach(ctx, a.inst, streams); err != nil {
		return fmt.Errorf("attach %s: %w", a.inst, err)
	}
	return nil
}

// Unsubscribe releases h. Resolutions no other handle asked for are dropped;
// the last handle of an instrument stops its actor and closes its
// connection when no other instrument uses it.
func (f *Feed) Unsubscribe(h Handle) error {
	f.mu.Lock()
	sub, ok := f.handles[h.ID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	delete(f.handles, h.ID)
	a := f.actors[sub.handle.Instrument]
	if a == nil {
		f.mu.Unlock()
		return nil
	}
	a.refs--
	if a.refs > 0 {
		wanted := make(map[model.Resolution]bool)
		for _, other := range f.handles {
			if other.handle.Instrument != a.inst {
				continue
			}
			for _, res := range other.resolutions {
				wanted[res] = true
			}
		}
		for _, res := range sub.resolutions {
			if !wanted[res] {
				a.removeResolution(res)
			}
		}
		err := f.attach(context.Background(), a)
		f.mu.Unlock()
		return err
	}
	delete(f.actors, a.inst)
	f.mu.Unlock()

	f.release(a)
	f.log.WithComponent("feed").WithInstrument(a.inst.String()).WithFields(logger.Fields{"handle": h.String()}).Info("unsubscribed, instrument dropped")
	return nil
}

// release cancels the actor, stops routing to it and detaches its streams.
func (f *Feed) release(a *actor) {
	a.stop()
	f.mux.Unregister(a.inst)
	f.mux.Detach(a.inst)
	a.agg.Close()
}

func (f *Feed) actor(inst model.Instrument) (*actor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.actors[inst]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, inst)
	}
	return a, nil
}

// OrderBookSnapshot returns the latest published book. It never waits for
// the actor; the State field tells whether the book is Live.
func (f *Feed) OrderBookSnapshot(inst model.Instrument) (orderbook.Snapshot, error) {
	a, err := f.actor(inst)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	return a.book.Snapshot(), nil
}

// CandleSeries returns the candles of res in ascending open time. The last
// candle is still open when Closed is false.
func (f *Feed) CandleSeries(inst model.Instrument, res model.Resolution) ([]model.Candle, error) {
	a, err := f.actor(inst)
	if err != nil {
		return nil, err
	}
	return a.agg.Candles(res)
}

// TradeFeed returns a cursor over the live trades of inst.
func (f *Feed) TradeFeed(inst model.Instrument) (*aggregator.TradeCursor, error) {
	a, err := f.actor(inst)
	if err != nil {
		return nil, err
	}
	return a.agg.TradeFeed(), nil
}

func (f *Feed) Heatmap(inst model.Instrument, tf model.Timeframe) ([]aggregator.HeatmapColumn, error) {
	a, err := f.actor(inst)
	if err != nil {
		return nil, err
	}
	return a.agg.Heatmap(tf)
}

func (f *Feed) Resolutions(inst model.Instrument) ([]model.Resolution, error) {
	a, err := f.actor(inst)
	if err != nil {
		return nil, err
	}
	return a.agg.Resolutions(), nil
}

func (f *Feed) Status(inst model.Instrument) (Status, error) {
	a, err := f.actor(inst)
	if err != nil {
		return Status{}, err
	}
	return a.status(), nil
}

// Statuses reports every subscribed instrument ordered by name.
func (f *Feed) Statuses() []Status {
	f.mu.RLock()
	actors := make([]*actor, 0, len(f.actors))
	for _, a := range f.actors {
		actors = append(actors, a)
	}
	f.mu.RUnlock()

	out := make([]Status, 0, len(actors))
	for _, a := range actors {
		out = append(out, a.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.String() < out[j].Instrument.String() })
	return out
}

// Instruments lists the subscribed instruments ordered by name.
func (f *Feed) Instruments() []model.Instrument {
	f.mu.RLock()
	out := make([]model.Instrument, 0, len(f.actors))
	for inst := range f.actors {
		out = append(out, inst)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ResumeBackfill continues every backfill of inst that stopped early.
func (f *Feed) ResumeBackfill(inst model.Instrument) error {
	a, err := f.actor(inst)
	if err != nil {
		return err
	}
	a.resumeBackfills()
	return nil
}

func (f *Feed) TickerInfo(ctx context.Context, inst model.Instrument) (model.TickerInfo, error) {
	if f.fetcher == nil {
		return model.TickerInfo{}, fetcher.ErrNoSource
	}
	return f.fetcher.TickerInfo(ctx, inst)
}

func (f *Feed) OpenInterest(ctx context.Context, inst model.Instrument) (model.OpenInterest, error) {
	if f.fetcher == nil {
		return model.OpenInterest{}, fetcher.ErrNoSource
	}
	return f.fetcher.OpenInterest(ctx, inst)
}

func resolutionNames(rs []model.Resolution) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}
