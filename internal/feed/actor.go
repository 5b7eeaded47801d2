package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"depthflow/internal/aggregator"
	"depthflow/internal/channel"
	"depthflow/internal/model"
	"depthflow/internal/orderbook"
	"depthflow/logger"
)

const (
	defaultSnapshotDepth   = 1000
	defaultSnapshotTimeout = 10 * time.Second
)

// actor is the single owner of one instrument's book and aggregator. Only
// run mutates them; everything else talks to it through the queue.
type actor struct {
	feed  *Feed
	inst  model.Instrument
	queue *channel.Queue
	book  *orderbook.Reconstructor
	agg   *aggregator.Aggregator
	log   *logger.Entry
	since time.Time

	// refs is guarded by feed.mu.
	refs int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	requesting atomic.Bool
	again      atomic.Bool
	delay      atomic.Int64
	failures   chan error
	synced     chan struct{}
	retry      backoff.BackOff

	mu      sync.Mutex
	partial map[string]*partialBackfill
}

func newActor(f *Feed, inst model.Instrument, step model.PriceStep, resolutions []model.Resolution) (*actor, error) {
	a := &actor{
		feed:     f,
		inst:     inst,
		queue:    channel.NewQueue(inst.String(), f.cfg.Feed.QueueSize),
		log:      f.log.WithComponent("feed").WithInstrument(inst.String()),
		since:    f.clock.Now(),
		done:     make(chan struct{}),
		failures: make(chan error, 1),
		synced:   make(chan struct{}, 1),
		partial:  make(map[string]*partialBackfill),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.Fetcher.Backoff.Initial
	b.MaxInterval = f.cfg.Fetcher.Backoff.Max
	b.Multiplier = f.cfg.Fetcher.Backoff.Multiplier
	b.RandomizationFactor = f.cfg.Fetcher.Backoff.Jitter
	b.MaxElapsedTime = 0
	b.Clock = f.clock
	b.Reset()
	a.retry = b

	a.book = orderbook.New(inst, a.requestSnapshot, orderbook.Options{
		DiffBuffer:   f.cfg.Feed.DiffBuffer,
		ResyncAlert:  f.cfg.Feed.ResyncAlert,
		PublishDepth: f.cfg.Feed.PublishDepth,
		TrackDepth:   f.cfg.Feed.TrackDepth,
		Clock:        f.clock,
		Log:          f.log,
	})

	agg, err := aggregator.New(inst, aggregator.Options{
		Step:         step,
		LateGrace:    f.cfg.Feed.LateGrace,
		HistoryLimit: f.cfg.Feed.HistoryLimit,
		TradeWindow:  f.cfg.Feed.TradeWindow,
		DedupeWindow: f.cfg.Feed.DedupeWindow,
		HeatmapDepth: f.cfg.Feed.HeatmapDepth,
		HeatmapLimit: f.cfg.Feed.HeatmapLimit,
		Sink:         f.sink,
		Clock:        f.clock,
		Log:          f.log,
	}, resolutions...)
	if err != nil {
		return nil, err
	}
	a.agg = agg
	return a, nil
}

func (a *actor) start(parent context.Context) {
	a.ctx, a.cancel = context.WithCancel(parent)

	go a.run()
	a.wg.Add(1)
	go a.tick()

	for _, res := range a.agg.Resolutions() {
		a.backfillCandles(res)
	}
	a.backfillTrades()
}

// stop cancels fetches and waits for the owner goroutine to exit.
func (a *actor) stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.queue.Close()
	<-a.done
	a.wg.Wait()
}

func (a *actor) run() {
	defer close(a.done)
	for {
		events, stale, err := a.queue.Pop(a.ctx)
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) && !errors.Is(err, context.Canceled) {
				a.log.WithError(err).Warn("instrument queue failed")
			}
			return
		}
		a.drainFailures()
		if stale {
			a.book.MarkStale("events dropped or connection reset")
		}
		for _, ev := range events {
			a.handle(ev)
		}
	}
}

func (a *actor) handle(ev model.Event) {
	switch e := ev.(type) {
	case model.DepthSnapshot, model.DepthDiff:
		err := a.book.Apply(ev)
		if e.EventKind() == model.KindDepthSnapshot {
			select {
			case a.synced <- struct{}{}:
			default:
			}
		}
		if err != nil || a.book.State() != orderbook.Live {
			return
		}
		if e.EventKind() == model.KindDepthSnapshot {
			a.retry.Reset()
			a.delay.Store(0)
		}
		a.agg.SampleBook(a.book.Snapshot())
	case model.TradeEvent:
		a.agg.ApplyTrade(e)
	case model.KlineUpdate:
		a.agg.ApplyKline(e)
	case model.Heartbeat:
		a.agg.Advance(a.feed.clock.Now())
		a.agg.SampleBook(a.book.Snapshot())
	}
}

// tick wakes the owner on the feed interval so empty buckets are filled and
// the heatmaps sampled even when the market is quiet.
func (a *actor) tick() {
	defer a.wg.Done()
	interval := a.feed.cfg.Feed.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := a.feed.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			a.queue.Push(model.Heartbeat{Exchange: a.inst.Exchange, Time: now})
		}
	}
}

func (a *actor) drainFailures() {
	for {
		select {
		case err := <-a.failures:
			next := a.retry.NextBackOff()
			if next == backoff.Stop {
				next = a.feed.cfg.Fetcher.Backoff.Max
			}
			a.delay.Store(int64(next))
			a.book.SnapshotFailed(err)
		default:
			return
		}
	}
}

// requestSnapshot is the book's Requester. It runs on the owner goroutine
// and must not block, so the request itself happens in the background.
// Concurrent requests are coalesced; one that arrives while a request is in
// flight is sent again once it completes.
func (a *actor) requestSnapshot(model.Instrument) {
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	if !a.requesting.CompareAndSwap(false, true) {
		a.again.Store(true)
		return
	}
	a.again.Store(false)
	delay := time.Duration(a.delay.Load())
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		snap, err := a.fetchSnapshot(delay)
		if err == nil && snap == nil {
			err = a.awaitSnapshot()
		}
		a.requesting.Store(false)
		if a.ctx.Err() != nil {
			return
		}
		if err != nil {
			select {
			case a.failures <- err:
			default:
			}
			a.queue.Push(model.Heartbeat{Exchange: a.inst.Exchange, Time: a.feed.clock.Now()})
			return
		}
		if snap != nil {
			a.queue.Push(*snap)
		}
		if a.again.Load() {
			a.requestSnapshot(a.inst)
		}
	}()
}

// awaitSnapshot waits for the in-stream snapshot a resubscribe should
// produce. A venue that stays silent counts as a failed snapshot so the
// request is retried with backoff and eventually surfaced on the book.
func (a *actor) awaitSnapshot() error {
	timeout := a.feed.cfg.Feed.SnapshotTimeout
	if timeout <= 0 {
		timeout = defaultSnapshotTimeout
	}
	timer := a.feed.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case <-a.ctx.Done():
		return a.ctx.Err()
	case <-a.synced:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrSnapshotTimeout, timeout)
	}
}

// fetchSnapshot asks Binance over REST. Bybit and OKX send the book
// in-stream after a fresh subscription, so they are resubscribed instead and
// nil is returned; the caller then waits for that snapshot.
func (a *actor) fetchSnapshot(delay time.Duration) (*model.DepthSnapshot, error) {
	if delay > 0 {
		a.log.WithFields(logger.Fields{"delay": delay.String()}).Debug("delaying snapshot request")
		timer := a.feed.clock.Timer(delay)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return nil, a.ctx.Err()
		case <-timer.C:
		}
	}

	if a.inst.Exchange.Venue() != model.VenueBinance {
		select {
		case <-a.synced:
		default:
		}
		return nil, a.feed.mux.Resubscribe(a.inst)
	}
	if a.feed.fetcher == nil {
		return nil, errors.New("no rest fetcher for snapshots")
	}
	depth := a.feed.cfg.Exchanges[a.inst.Exchange.Key()].SnapshotDepth
	if depth <= 0 {
		depth = defaultSnapshotDepth
	}
	snap, err := a.feed.fetcher.Snapshot(a.ctx, a.inst, depth)
	if err != nil {
		return nil, err
	}
	if snap.Instrument.IsZero() {
		snap.Instrument = a.inst
	}
	return &snap, nil
}

// addResolution and removeResolution take the aggregator lock and may be
// called from any goroutine.
func (a *actor) addResolution(res model.Resolution) {
	added, err := a.agg.AddResolution(res)
	if err != nil {
		a.log.WithError(err).Warn("resolution rejected")
		return
	}
	if added {
		a.backfillCandles(res)
	}
}

func (a *actor) removeResolution(res model.Resolution) {
	if !a.agg.RemoveResolution(res) {
		return
	}
	a.mu.Lock()
	delete(a.partial, "klines:"+res.String())
	a.mu.Unlock()
	a.log.WithFields(logger.Fields{"resolution": res.String()}).Info("resolution removed")
}
