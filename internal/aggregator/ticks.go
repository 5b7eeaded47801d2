package aggregator

import (
	"time"

	"depthflow/internal/model"
)

// TickSeries groups live trades into datapoints of a fixed trade count. A
// datapoint closes as soon as it holds Ticks trades.
type TickSeries struct {
	inst  model.Instrument
	ticks int
	step  model.PriceStep
	limit int
	sink  Sink

	points []*bucket
}

func newTickSeries(inst model.Instrument, ticks int, opts Options) *TickSeries {
	return &TickSeries{
		inst:  inst,
		ticks: ticks,
		step:  opts.Step,
		limit: opts.HistoryLimit,
		sink:  opts.Sink,
	}
}

func (s *TickSeries) Resolution() model.Resolution { return model.TickResolution(s.ticks) }

// AddTrade appends a live trade. Historical trades cannot be ordered against
// the live tail and are ignored.
func (s *TickSeries) AddTrade(t model.Trade, historical bool, _ time.Time) bool {
	if historical {
		return false
	}
	n := len(s.points)
	if n == 0 || s.points[n-1].candle.Closed {
		b := &bucket{candle: model.Candle{
			Instrument: s.inst,
			Resolution: s.Resolution(),
			OpenTime:   t.Time,
		}}
		b.startTrade(t, s.step, sourceLive)
		s.points = append(s.points, b)
	} else {
		s.points[n-1].addTrade(t)
	}

	last := s.points[len(s.points)-1]
	if last.candle.Trades >= int64(s.ticks) {
		last.candle.Closed = true
		last.freeze()
		if s.sink != nil {
			s.sink(last.materialize())
		}
	}
	if s.limit > 0 && len(s.points) > s.limit {
		drop := len(s.points) - s.limit
		for i := 0; i < drop; i++ {
			s.points[i] = nil
		}
		s.points = s.points[drop:]
	}
	return true
}

func (s *TickSeries) AddKline(model.Kline, time.Time) bool { return false }

func (s *TickSeries) Advance(time.Time) {}

func (s *TickSeries) Oldest() (time.Time, bool) {
	if len(s.points) == 0 {
		return time.Time{}, false
	}
	return s.points[0].candle.OpenTime, true
}

func (s *TickSeries) Candles() []model.Candle {
	out := make([]model.Candle, len(s.points))
	for i, b := range s.points {
		out[i] = b.materialize()
	}
	markNakedPOC(out, s.step)
	return out
}
