package aggregator

import (
	"time"

	"github.com/shopspring/decimal"

	"depthflow/internal/metrics"
	"depthflow/internal/model"
	"depthflow/logger"
)

// Sink receives every candle closed from live data. It is called from the
// owner goroutine and must not block.
type Sink func(model.Candle)

type source int8

const (
	sourceFill source = iota
	sourceKline
	sourceBackfill
	sourceLive
)

type bucket struct {
	candle model.Candle
	fp     *footprint
	src    source
	view   *model.Candle
}

func (b *bucket) openMs() int64 { return b.candle.OpenTime.UnixMilli() }

func (b *bucket) touch() { b.view = nil }

// startTrade resets the bucket to a single trade.
func (b *bucket) startTrade(t model.Trade, step model.PriceStep, src source) {
	c := &b.candle
	c.Open, c.High, c.Low, c.Close = t.Price, t.Price, t.Price, t.Price
	c.Volume, c.BuyVolume, c.SellVolume = decimal.Zero, decimal.Zero, decimal.Zero
	c.Trades = 0
	c.Filled = false
	b.fp = newFootprint(step)
	b.src = src
	b.addTrade(t)
}

func (b *bucket) addTrade(t model.Trade) {
	c := &b.candle
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume = c.Volume.Add(t.Qty)
	if t.IsSell() {
		c.SellVolume = c.SellVolume.Add(t.Qty)
	} else {
		c.BuyVolume = c.BuyVolume.Add(t.Qty)
	}
	c.Trades++
	if b.fp != nil {
		b.fp.add(t)
	}
	b.touch()
}

func (b *bucket) setKline(k model.Kline) {
	c := &b.candle
	c.Open, c.High, c.Low, c.Close = k.Open, k.High, k.Low, k.Close
	c.Volume = k.Volume
	c.BuyVolume = k.BuyVolume
	c.SellVolume = k.Volume.Sub(k.BuyVolume)
	if c.SellVolume.IsNegative() {
		c.SellVolume = decimal.Zero
	}
	c.Trades = k.Trades
	c.Filled = false
	b.fp = nil
	b.src = sourceKline
	b.touch()
}

func (b *bucket) setFill(prior model.Price) {
	c := &b.candle
	c.Open, c.High, c.Low, c.Close = prior, prior, prior, prior
	c.Volume, c.BuyVolume, c.SellVolume = decimal.Zero, decimal.Zero, decimal.Zero
	c.Trades = 0
	c.Filled = true
	b.fp = nil
	b.src = sourceFill
	b.touch()
}

// materialize is safe for concurrent readers: it only reads the cached view
// that freeze stored for a closed bucket.
func (b *bucket) materialize() model.Candle {
	if b.view != nil {
		return *b.view
	}
	return b.build()
}

func (b *bucket) build() model.Candle {
	c := b.candle
	if b.fp != nil {
		c.Footprint = b.fp.sorted()
		if poc, ok := pointOfControl(c.Footprint); ok {
			c.POC = &poc
		}
	}
	return c
}

func (b *bucket) freeze() {
	c := b.build()
	b.view = &c
}

// Series is one time-bucketed candle series. Buckets are contiguous: every
// bucket between the oldest and the newest exists, with filled buckets
// standing in for periods without trades.
//
// Buckets older than the first live trade form the backfill region. Klines
// and historical trades may rebuild those buckets; live trades own every
// bucket from the first live one onwards and only those candles are passed
// to the sink when they close.
type Series struct {
	inst  model.Instrument
	tf    model.Timeframe
	dur   int64
	step  model.PriceStep
	grace time.Duration
	limit int
	sink  Sink
	log   *logger.Log

	buckets   []*bucket
	hasLive   bool
	liveStart int64
	late      int
}

func newSeries(inst model.Instrument, tf model.Timeframe, opts Options) *Series {
	return &Series{
		inst:  inst,
		tf:    tf,
		dur:   tf.Milliseconds(),
		step:  opts.Step,
		grace: opts.LateGrace,
		limit: opts.HistoryLimit,
		sink:  opts.Sink,
		log:   opts.Log,
	}
}

func (s *Series) Resolution() model.Resolution { return model.TimeResolution(s.tf) }

// Late is the number of live trades dropped because their bucket had closed.
func (s *Series) Late() int { return s.late }

func (s *Series) index(ms int64) int {
	if len(s.buckets) == 0 {
		return -1
	}
	first := s.buckets[0].openMs()
	if ms < first || (ms-first)%s.dur != 0 {
		return -1
	}
	i := int((ms - first) / s.dur)
	if i >= len(s.buckets) {
		return -1
	}
	return i
}

func (s *Series) newBucket(ms int64) *bucket {
	return &bucket{candle: model.Candle{
		Instrument: s.inst,
		Resolution: s.Resolution(),
		OpenTime:   time.UnixMilli(ms).UTC(),
	}}
}

// ensure returns the index of the bucket opening at ms, creating it and any
// buckets needed to keep the axis contiguous. New buckets are fills until
// the caller writes into them.
func (s *Series) ensure(ms int64, now time.Time) int {
	if i := s.index(ms); i >= 0 {
		return i
	}
	if len(s.buckets) == 0 {
		s.buckets = append(s.buckets, s.newBucket(ms))
		return 0
	}

	first := s.buckets[0].openMs()
	last := s.buckets[len(s.buckets)-1].openMs()
	if ms > last {
		if s.limit > 0 && (ms-last)/s.dur > int64(s.limit) {
			// The whole retained window is older than the new bucket can keep.
			s.closeUntil(now.Add(365 * 24 * time.Hour))
			prior := s.buckets[len(s.buckets)-1].candle.Close
			s.buckets = s.buckets[:0]
			for t := ms - int64(s.limit-1)*s.dur; t < ms; t += s.dur {
				b := s.newBucket(t)
				b.setFill(prior)
				s.buckets = append(s.buckets, b)
			}
		} else {
			prior := s.buckets[len(s.buckets)-1].candle.Close
			for t := last + s.dur; t < ms; t += s.dur {
				b := s.newBucket(t)
				b.setFill(prior)
				s.buckets = append(s.buckets, b)
			}
		}
		s.buckets = append(s.buckets, s.newBucket(ms))
		return len(s.buckets) - 1
	}

	// Older than anything retained: prepend and let the caller fill it in.
	n := int((first - ms) / s.dur)
	prefix := make([]*bucket, 0, n)
	for t := ms; t < first; t += s.dur {
		b := s.newBucket(t)
		b.setFill(0)
		prefix = append(prefix, b)
	}
	s.buckets = append(prefix, s.buckets...)
	return 0
}

// refreshFills rewrites filled buckets from index i onwards so they carry the
// close of the bucket before them. Leading fills with nothing before them
// are removed.
func (s *Series) refreshFills(i int) {
	if i <= 0 {
		lead := 0
		for lead < len(s.buckets) && s.buckets[lead].src == sourceFill {
			lead++
		}
		if lead > 0 {
			s.buckets = s.buckets[lead:]
		}
		i = 1
	}
	for ; i < len(s.buckets); i++ {
		b := s.buckets[i]
		if b.src != sourceFill {
			continue
		}
		prior := s.buckets[i-1].candle.Close
		if b.candle.Close != prior || !b.candle.Filled {
			b.setFill(prior)
		}
	}
}

// AddTrade folds a trade into the bucket of its own timestamp. Live trades for
// closed buckets are dropped and counted; historical trades only touch the
// backfill region.
func (s *Series) AddTrade(t model.Trade, historical bool, now time.Time) bool {
	ms := s.tf.BucketStartMs(t.Time.UnixMilli())
	if historical {
		return s.addHistorical(t, ms, now)
	}

	i := s.index(ms)
	expired := ms+s.dur <= now.Add(-s.grace).UnixMilli()
	if (i >= 0 && s.buckets[i].candle.Closed) || (i < 0 && expired && len(s.buckets) > 0 && ms < s.buckets[0].openMs()) {
		s.dropLate()
		return false
	}

	if !s.hasLive || ms < s.liveStart {
		s.hasLive = true
		s.liveStart = ms
	}
	i = s.ensure(ms, now)
	b := s.buckets[i]
	switch b.src {
	case sourceFill:
		b.startTrade(t, s.step, sourceLive)
	default:
		if b.fp == nil {
			b.fp = newFootprint(s.step)
		}
		b.src = sourceLive
		b.addTrade(t)
	}
	s.refreshFills(i + 1)
	s.closeUntil(now)
	s.trim()
	return true
}

func (s *Series) addHistorical(t model.Trade, ms int64, now time.Time) bool {
	if s.hasLive && ms >= s.liveStart {
		return false
	}
	i := s.ensure(ms, now)
	b := s.buckets[i]
	switch b.src {
	case sourceLive:
		return false
	case sourceBackfill:
		b.addTrade(t)
	default:
		b.startTrade(t, s.step, sourceBackfill)
	}
	s.refreshFills(0)
	s.closeUntil(now)
	s.trim()
	return true
}

// AddKline upserts an exchange-computed candle into the backfill region.
// Buckets built from trades are never overwritten.
func (s *Series) AddKline(k model.Kline, now time.Time) bool {
	ms := s.tf.BucketStartMs(k.OpenTime.UnixMilli())
	if s.hasLive && ms >= s.liveStart {
		return false
	}
	if i := s.index(ms); i >= 0 {
		if src := s.buckets[i].src; src == sourceLive || src == sourceBackfill {
			return false
		}
	}
	i := s.ensure(ms, now)
	s.buckets[i].setKline(k)
	s.refreshFills(0)
	s.closeUntil(now)
	s.trim()
	return true
}

// Advance extends the axis to the bucket containing now and closes every
// bucket whose grace period has passed.
func (s *Series) Advance(now time.Time) {
	if len(s.buckets) == 0 {
		return
	}
	ms := s.tf.BucketStartMs(now.UnixMilli())
	if last := s.buckets[len(s.buckets)-1].openMs(); ms > last {
		i := s.ensure(ms, now)
		s.buckets[i].setFill(s.buckets[i-1].candle.Close)
	}
	s.closeUntil(now)
	s.trim()
}

func (s *Series) closeUntil(now time.Time) {
	cut := now.Add(-s.grace).UnixMilli()
	for _, b := range s.buckets {
		if b.candle.Closed {
			continue
		}
		if b.openMs()+s.dur > cut {
			break
		}
		b.candle.Closed = true
		b.freeze()
		if s.sink != nil && s.hasLive && b.openMs() >= s.liveStart {
			s.sink(b.materialize())
		}
	}
}

func (s *Series) trim() {
	if s.limit <= 0 || len(s.buckets) <= s.limit {
		return
	}
	drop := len(s.buckets) - s.limit
	for drop > 0 && !s.buckets[drop-1].candle.Closed {
		drop--
	}
	if drop > 0 {
		for i := 0; i < drop; i++ {
			s.buckets[i] = nil
		}
		s.buckets = s.buckets[drop:]
	}
}

func (s *Series) dropLate() {
	s.late++
	metrics.EmitDropMetric(s.log, metrics.DropMetricLateTrade, s.inst.Exchange.Key(), s.inst.String(), s.tf.String(), 1)
}

// Oldest is the open time of the oldest retained bucket.
func (s *Series) Oldest() (time.Time, bool) {
	if len(s.buckets) == 0 {
		return time.Time{}, false
	}
	return s.buckets[0].candle.OpenTime, true
}

// Candles returns a copy of the series in ascending time order with naked
// POC status computed over the returned range. Footprint slices of closed
// candles are shared between readers and must not be modified.
func (s *Series) Candles() []model.Candle {
	out := make([]model.Candle, len(s.buckets))
	for i, b := range s.buckets {
		out[i] = b.materialize()
	}
	markNakedPOC(out, s.step)
	return out
}
