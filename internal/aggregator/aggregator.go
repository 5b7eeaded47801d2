// Package aggregator folds trades and klines into candle series, footprints,
// heatmaps and the live trade tail of one instrument.
package aggregator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"depthflow/internal/metrics"
	"depthflow/internal/model"
	"depthflow/internal/orderbook"
	"depthflow/logger"
)

var (
	ErrUnknownResolution = errors.New("aggregator: resolution not tracked")
	ErrUnknownHeatmap    = errors.New("aggregator: heatmap timeframe not tracked")
	ErrRingClosed        = errors.New("aggregator: trade ring closed")
)

type Options struct {
	Step         model.PriceStep
	LateGrace    time.Duration
	HistoryLimit int
	TradeWindow  int
	DedupeWindow int
	HeatmapDepth int
	HeatmapLimit int
	// Heatmaps lists the sub-second timeframes to accumulate. Nil tracks all
	// of model.HeatmapTimeframes.
	Heatmaps []model.Timeframe
	Sink     Sink
	Clock    clock.Clock
	Log      *logger.Log
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit < 2 {
		o.HistoryLimit = 1000
	}
	if o.TradeWindow <= 0 {
		o.TradeWindow = 10000
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 2 * o.TradeWindow
	}
	if o.HeatmapDepth <= 0 {
		o.HeatmapDepth = 50
	}
	if o.HeatmapLimit <= 0 {
		o.HeatmapLimit = 600
	}
	if o.Heatmaps == nil {
		o.Heatmaps = model.HeatmapTimeframes
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Log == nil {
		o.Log = logger.GetLogger()
	}
	return o
}

type candleSeries interface {
	Resolution() model.Resolution
	AddTrade(t model.Trade, historical bool, now time.Time) bool
	AddKline(k model.Kline, now time.Time) bool
	Advance(now time.Time)
	Oldest() (time.Time, bool)
	Candles() []model.Candle
}

// Stats counts what the aggregator accepted and rejected.
type Stats struct {
	Trades     int64
	Historical int64
	Duplicates int64
	Late       int64
	Klines     int64
}

// Aggregator is owned by one instrument goroutine. Apply*, Advance and the
// resolution setters mutate it; the read methods copy under a read lock and
// may be called from any goroutine.
type Aggregator struct {
	inst model.Instrument
	opts Options
	log  *logger.Entry

	mu       sync.RWMutex
	series   map[model.Resolution]candleSeries
	heatmaps map[model.Timeframe]*Heatmap
	dedupe   *Dedupe
	ring     *TradeRing
	stats    Stats
}

func New(inst model.Instrument, opts Options, resolutions ...model.Resolution) (*Aggregator, error) {
	opts = opts.withDefaults()
	a := &Aggregator{
		inst:     inst,
		opts:     opts,
		log:      opts.Log.WithComponent("aggregator").WithInstrument(inst.String()),
		series:   make(map[model.Resolution]candleSeries),
		heatmaps: make(map[model.Timeframe]*Heatmap, len(opts.Heatmaps)),
		dedupe:   NewDedupe(opts.DedupeWindow),
		ring:     NewTradeRing(opts.TradeWindow),
	}
	for _, tf := range opts.Heatmaps {
		if !tf.IsHeatmap() {
			return nil, fmt.Errorf("invalid heatmap timeframe %s", tf)
		}
		a.heatmaps[tf] = newHeatmap(tf, opts)
	}
	for _, res := range resolutions {
		if _, err := a.AddResolution(res); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Aggregator) Instrument() model.Instrument { return a.inst }

func (a *Aggregator) newSeries(res model.Resolution) candleSeries {
	if res.IsTicks() {
		return newTickSeries(a.inst, res.Ticks, a.opts)
	}
	return newSeries(a.inst, res.Timeframe, a.opts)
}

// AddResolution starts a new series and derives it from the retained trade
// window. It reports false when the resolution was already tracked. Buckets
// older than the window are left for the caller to backfill.
func (a *Aggregator) AddResolution(res model.Resolution) (bool, error) {
	if !res.Valid() {
		return false, fmt.Errorf("invalid resolution %s", res)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.series[res]; ok {
		return false, nil
	}
	s := a.newSeries(res)
	retained := a.ring.Snapshot()
	for _, t := range retained {
		s.AddTrade(t, false, t.Time)
	}
	s.Advance(a.opts.Clock.Now())
	a.series[res] = s

	a.log.WithFields(logger.Fields{
		"resolution": res.String(),
		"derived":    len(retained),
	}).Info("resolution added")
	return true, nil
}

func (a *Aggregator) RemoveResolution(res model.Resolution) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.series[res]; !ok {
		return false
	}
	delete(a.series, res)
	return true
}

// Resolutions lists the tracked series, time series first by duration and
// then tick series by count.
func (a *Aggregator) Resolutions() []model.Resolution {
	a.mu.RLock()
	out := make([]model.Resolution, 0, len(a.series))
	for res := range a.series {
		out = append(out, res)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsTicks() != out[j].IsTicks() {
			return !out[i].IsTicks()
		}
		if out[i].IsTicks() {
			return out[i].Ticks < out[j].Ticks
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

// ApplyTrade feeds one trade to every series. Trades whose id was already seen
// are dropped before any accumulator sees them. Live trades also go to the
// heatmaps and the trade tail.
func (a *Aggregator) ApplyTrade(ev model.TradeEvent) bool {
	t := ev.Trade
	now := a.opts.Clock.Now()

	a.mu.Lock()
	if a.dedupe.Seen(t.ID) {
		a.stats.Duplicates++
		a.mu.Unlock()
		metrics.EmitDropMetric(a.opts.Log, metrics.DropMetricDuplicateTrade, a.inst.Exchange.Key(), a.inst.String(), "aggregator", 1)
		return false
	}
	if ev.Historical {
		a.stats.Historical++
	} else {
		a.stats.Trades++
	}
	for _, s := range a.series {
		if !s.AddTrade(t, ev.Historical, now) && !ev.Historical {
			if _, ok := s.(*Series); ok {
				a.stats.Late++
			}
		}
	}
	if !ev.Historical {
		for _, h := range a.heatmaps {
			h.AddTrade(t)
		}
	}
	a.mu.Unlock()

	if !ev.Historical {
		a.ring.Append(t)
	}
	return true
}

// ApplyKline upserts a kline into the time series of the same timeframe.
func (a *Aggregator) ApplyKline(ev model.KlineUpdate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[model.TimeResolution(ev.Timeframe)]
	if !ok {
		return false
	}
	if !s.AddKline(ev.Kline, a.opts.Clock.Now()) {
		return false
	}
	a.stats.Klines++
	return true
}

// SampleBook records the published book into the current heatmap columns.
func (a *Aggregator) SampleBook(snap orderbook.Snapshot) {
	now := a.opts.Clock.Now()
	a.mu.Lock()
	for _, h := range a.heatmaps {
		h.Sample(snap, now)
	}
	a.mu.Unlock()
}

// Advance extends every time series to now and closes expired buckets.
func (a *Aggregator) Advance(now time.Time) {
	a.mu.Lock()
	for _, s := range a.series {
		s.Advance(now)
	}
	a.mu.Unlock()
}

func (a *Aggregator) Candles(res model.Resolution) ([]model.Candle, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[res]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResolution, res)
	}
	return s.Candles(), nil
}

// Oldest is the open time of the oldest candle held for res.
func (a *Aggregator) Oldest(res model.Resolution) (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[res]
	if !ok {
		return time.Time{}, false
	}
	return s.Oldest()
}

func (a *Aggregator) Heatmap(tf model.Timeframe) ([]HeatmapColumn, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.heatmaps[tf]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHeatmap, tf)
	}
	return h.Columns(), nil
}

// TradeFeed returns a cursor positioned at the oldest retained live trade.
func (a *Aggregator) TradeFeed() *TradeCursor {
	return a.ring.Cursor()
}

func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// Close releases trade feed readers.
func (a *Aggregator) Close() {
	a.ring.Close()
}
