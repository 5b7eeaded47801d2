package feed

import (
	"errors"
	"time"

	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/logger"
)

// partialBackfill is a history request that stopped before its end. It is
// kept until it is resumed to completion or its resolution is dropped.
type partialBackfill struct {
	cursor *fetcher.Cursor
	err    error
	at     time.Time
}

func backfillKey(req fetcher.Request) string {
	if req.Kind == fetcher.Klines {
		return "klines:" + model.TimeResolution(req.Timeframe).String()
	}
	return req.Kind.String()
}

// backfillCandles replays the configured number of candles of res ending at
// the current bucket. Tick series have no venue history.
func (a *actor) backfillCandles(res model.Resolution) {
	n := a.feed.cfg.Fetcher.BackfillCandles
	if a.feed.fetcher == nil || n <= 0 || res.IsTicks() || res.Timeframe.IsHeatmap() {
		return
	}
	now := a.feed.clock.Now()
	tf := res.Timeframe
	end := now
	if oldest, ok := a.agg.Oldest(res); ok && oldest.Before(end) {
		end = oldest
	}
	start := tf.BucketStart(end).Add(-time.Duration(n) * tf.Duration())
	a.backfill(fetcher.Request{
		Instrument: a.inst,
		Kind:       fetcher.Klines,
		Timeframe:  tf,
		Start:      start,
		End:        end,
	})
}

func (a *actor) backfillTrades() {
	span := a.feed.cfg.Fetcher.BackfillTrades
	if a.feed.fetcher == nil || span <= 0 {
		return
	}
	now := a.feed.clock.Now()
	a.backfill(fetcher.Request{
		Instrument: a.inst,
		Kind:       fetcher.Trades,
		Start:      now.Add(-span),
		End:        now,
	})
}

func (a *actor) backfill(req fetcher.Request) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		cur, err := a.feed.fetcher.Backfill(a.ctx, req, a.replay)
		a.settle(req, cur, err)
	}()
}

// resumeBackfills restarts every partial backfill from its cursor.
func (a *actor) resumeBackfills() {
	a.mu.Lock()
	pending := make([]*fetcher.Cursor, 0, len(a.partial))
	for key, p := range a.partial {
		pending = append(pending, p.cursor)
		delete(a.partial, key)
	}
	a.mu.Unlock()

	for _, cur := range pending {
		cur := cur
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			next, err := a.feed.fetcher.Resume(a.ctx, cur, a.replay)
			a.settle(cur.Request, next, err)
		}()
	}
}

// replay routes history through the multiplexer so it is ordered with the
// live stream and dropped once the instrument is unsubscribed.
func (a *actor) replay(events ...model.Event) {
	a.feed.mux.Push(a.inst, events...)
}

func (a *actor) settle(req fetcher.Request, cur *fetcher.Cursor, err error) {
	log := a.log.WithFields(logger.Fields{"kind": req.Kind.String()})
	if req.Kind == fetcher.Klines {
		log = log.WithFields(logger.Fields{"timeframe": req.Timeframe.String()})
	}
	switch {
	case err == nil:
		a.mu.Lock()
		delete(a.partial, backfillKey(req))
		a.mu.Unlock()
		return
	case a.ctx.Err() != nil:
		return
	case errors.Is(err, fetcher.ErrUnsupported):
		log.Debug("venue serves no history for this stream")
		return
	}

	if cur == nil {
		log.WithError(err).Warn("backfill rejected")
		return
	}
	a.mu.Lock()
	a.partial[backfillKey(req)] = &partialBackfill{cursor: cur, err: err, at: a.feed.clock.Now()}
	a.mu.Unlock()
	log.WithError(err).WithFields(logger.Fields{
		"resume_at": cur.Next.UTC().Format(time.RFC3339),
		"replayed":  cur.Events,
	}).Warn("history is partial, backfill can be resumed")
}
