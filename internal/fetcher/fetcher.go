// Package fetcher pages historical klines and trades out of venue REST
// endpoints and daily archives and replays them as historical events.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"depthflow/config"
	"depthflow/internal/metrics"
	ratemetrics "depthflow/internal/metrics/rate"
	"depthflow/internal/model"
	"depthflow/logger"
)

// defaultTradeSpan is the widest window asked of FetchTrades when the source
// does not say otherwise.
const defaultTradeSpan = time.Hour

// archiveTimeouts scales the per-call timeout for daily archive downloads.
const archiveTimeouts = 10

// Sink receives replayed events in time order.
type Sink func(events ...model.Event)

type Kind int8

const (
	Klines Kind = iota + 1
	Trades
)

func (k Kind) String() string {
	switch k {
	case Klines:
		return "klines"
	case Trades:
		return "trades"
	default:
		return "unknown"
	}
}

// Request selects a historical range. Timeframe is only used for Klines.
type Request struct {
	Instrument model.Instrument
	Kind       Kind
	Timeframe  model.Timeframe
	Start      time.Time
	End        time.Time
}

func (r Request) validate() error {
	if r.Instrument.IsZero() {
		return fmt.Errorf("instrument is required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("invalid range: end %s is not after start %s", r.End, r.Start)
	}
	switch r.Kind {
	case Klines:
		if !r.Timeframe.Valid() || r.Timeframe.IsHeatmap() {
			return fmt.Errorf("invalid kline timeframe %s", r.Timeframe)
		}
	case Trades:
	default:
		return fmt.Errorf("invalid request kind %d", r.Kind)
	}
	return nil
}

// Cursor marks where a backfill stopped. Next is the first time not yet
// replayed; Err is the failure that stopped it.
type Cursor struct {
	Request Request
	Next    time.Time
	Events  int
	Err     error
}

func (c *Cursor) Done() bool { return c == nil || !c.Next.Before(c.Request.End) }

// Fetcher owns the per-venue limiters and the retry policy shared by every
// REST call.
type Fetcher struct {
	cfg   config.FetcherConfig
	clock clock.Clock
	log   *logger.Log

	mu       sync.RWMutex
	sources  map[model.Venue]Source
	limiters map[model.Venue]*rate.Limiter
}

func New(cfg config.FetcherConfig, clk clock.Clock) *Fetcher {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 500 * time.Millisecond
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = 20 * cfg.Backoff.Initial
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}
	return &Fetcher{
		cfg:      cfg,
		clock:    clk,
		log:      logger.GetLogger(),
		sources:  make(map[model.Venue]Source),
		limiters: make(map[model.Venue]*rate.Limiter),
	}
}

// Register adds src with its venue's request budget. A zero rate leaves the
// venue unthrottled.
func (f *Fetcher) Register(src Source, limit config.RateLimitConfig) {
	lim := rate.NewLimiter(rate.Inf, 1)
	if limit.RequestsPerSecond > 0 {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burst)
	}

	f.mu.Lock()
	f.sources[src.Venue()] = src
	f.limiters[src.Venue()] = lim
	f.mu.Unlock()

	f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"venue":               src.Venue(),
		"requests_per_second": limit.RequestsPerSecond,
		"burst":               limit.Burst,
	}).Info("rest source registered")
}

func (f *Fetcher) source(inst model.Instrument) (Source, *rate.Limiter, error) {
	venue := inst.Exchange.Venue()
	f.mu.RLock()
	defer f.mu.RUnlock()
	src, ok := f.sources[venue]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoSource, inst.Exchange)
	}
	return src, f.limiters[venue], nil
}

func (f *Fetcher) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.Backoff.Initial
	b.MaxInterval = f.cfg.Backoff.Max
	b.Multiplier = f.cfg.Backoff.Multiplier
	b.RandomizationFactor = f.cfg.Backoff.Jitter
	b.MaxElapsedTime = 0
	b.Clock = f.clock
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.cfg.MaxRetries)), ctx)
}

// call runs fn under the venue limiter with a hard timeout per attempt.
// Transient failures are retried up to MaxRetries times; permanent ones are
// returned at once. Every give-up is a *FetchError.
func (f *Fetcher) call(ctx context.Context, inst model.Instrument, op string, fn func(ctx context.Context, src Source) error) error {
	return f.callTimeout(ctx, inst, op, f.cfg.Timeout, fn)
}

func (f *Fetcher) callTimeout(ctx context.Context, inst model.Instrument, op string, timeout time.Duration, fn func(ctx context.Context, src Source) error) error {
	src, lim, err := f.source(inst)
	if err != nil {
		return &FetchError{Instrument: inst, Op: op, Permanent: true, Err: err}
	}

	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"instrument": inst.String(),
		"operation":  op,
	})
	venue := string(inst.Exchange.Venue())

	attempts := 0
	err = backoff.RetryNotify(func() error {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(callCtx, src)
		if err == nil {
			return nil
		}
		ratemetrics.ReportLimitFromMessage(f.log, venue, inst.String(), "rest", err.Error())
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, f.newBackoff(ctx), func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logger.Fields{
			"attempt":  attempts,
			"retry_in": wait.String(),
		}).Warn("rest call failed, retrying")
	})
	if err == nil {
		return nil
	}

	permanent := IsPermanent(err)
	if ctx.Err() != nil {
		err = ctx.Err()
		permanent = true
	}
	if !errors.Is(err, ErrArchiveMissing) {
		metrics.IncFetchError(venue, permanent)
	}
	return &FetchError{Instrument: inst, Op: op, Attempts: attempts, Permanent: permanent, Err: err}
}

// Snapshot fetches a depth snapshot of at most depth levels per side.
func (f *Fetcher) Snapshot(ctx context.Context, inst model.Instrument, depth int) (model.DepthSnapshot, error) {
	var snap model.DepthSnapshot
	err := f.call(ctx, inst, "snapshot", func(ctx context.Context, src Source) error {
		var err error
		snap, err = src.FetchSnapshot(ctx, inst, depth)
		return err
	})
	return snap, err
}

func (f *Fetcher) TickerInfo(ctx context.Context, inst model.Instrument) (model.TickerInfo, error) {
	var info model.TickerInfo
	err := f.call(ctx, inst, "ticker_info", func(ctx context.Context, src Source) error {
		var err error
		info, err = src.TickerInfo(ctx, inst)
		return err
	})
	return info, err
}

func (f *Fetcher) OpenInterest(ctx context.Context, inst model.Instrument) (model.OpenInterest, error) {
	var oi model.OpenInterest
	err := f.call(ctx, inst, "open_interest", func(ctx context.Context, src Source) error {
		var err error
		oi, err = src.OpenInterest(ctx, inst)
		return err
	})
	return oi, err
}

// Backfill replays req into sink page by page. It returns nil when the whole
// range was replayed, or the cursor to Resume from together with the error
// that stopped it.
func (f *Fetcher) Backfill(ctx context.Context, req Request, sink Sink) (*Cursor, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("invalid backfill request: %w", err)
	}
	return f.run(ctx, &Cursor{Request: req, Next: req.Start}, sink)
}

// Resume continues a backfill that stopped early.
func (f *Fetcher) Resume(ctx context.Context, c *Cursor, sink Sink) (*Cursor, error) {
	if c.Done() {
		return nil, nil
	}
	c.Err = nil
	return f.run(ctx, c, sink)
}

func (f *Fetcher) run(ctx context.Context, c *Cursor, sink Sink) (*Cursor, error) {
	req := c.Request
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"instrument": req.Instrument.String(),
		"kind":       req.Kind.String(),
		"start":      c.Next.UTC().Format(time.RFC3339),
		"end":        req.End.UTC().Format(time.RFC3339),
	})
	if req.Kind == Klines {
		log = log.WithFields(logger.Fields{"timeframe": req.Timeframe.String()})
	}
	started := f.clock.Now()

	for c.Next.Before(req.End) {
		if err := ctx.Err(); err != nil {
			c.Err = err
			return c, err
		}
		var (
			next time.Time
			n    int
			err  error
		)
		switch req.Kind {
		case Klines:
			next, n, err = f.klinePage(ctx, req, c.Next, sink)
		case Trades:
			next, n, err = f.tradePage(ctx, req, c.Next, sink)
		}
		if err != nil {
			c.Err = err
			log.WithError(err).WithFields(logger.Fields{
				"resume_at": c.Next.UTC().Format(time.RFC3339),
				"replayed":  c.Events,
			}).Warn("backfill stopped, history is partial")
			return c, err
		}
		c.Events += n
		if !next.After(c.Next) {
			break
		}
		c.Next = next
	}

	logger.LogPerformanceEntry(log, "fetcher", "backfill", f.clock.Since(started), logger.Fields{"events": c.Events})
	return nil, nil
}

func (f *Fetcher) klinePage(ctx context.Context, req Request, from time.Time, sink Sink) (time.Time, int, error) {
	var klines []model.Kline
	err := f.call(ctx, req.Instrument, "klines", func(ctx context.Context, src Source) error {
		var err error
		klines, err = src.FetchKlines(ctx, req.Instrument, req.Timeframe, from, req.End, f.cfg.PageLimit)
		return err
	})
	if err != nil {
		return from, 0, err
	}
	if len(klines) == 0 {
		return req.End, 0, nil
	}

	dur := req.Timeframe.Duration()
	now := f.clock.Now()
	events := make([]model.Event, 0, len(klines))
	last := from
	for _, k := range klines {
		if k.OpenTime.Before(from) || !k.OpenTime.Before(req.End) {
			continue
		}
		events = append(events, model.KlineUpdate{
			Instrument: req.Instrument,
			Timeframe:  req.Timeframe,
			Kline:      k,
			Closed:     !k.OpenTime.Add(dur).After(now),
			Historical: true,
		})
		last = k.OpenTime
	}
	if len(events) > 0 {
		sink(events...)
	}
	next := last.Add(dur)
	if len(events) == 0 || len(klines) < f.cfg.PageLimit {
		next = req.End
	}
	return next, len(events), nil
}

func (f *Fetcher) tradePage(ctx context.Context, req Request, from time.Time, sink Sink) (time.Time, int, error) {
	src, _, err := f.source(req.Instrument)
	if err != nil {
		return from, 0, &FetchError{Instrument: req.Instrument, Op: "trades", Permanent: true, Err: err}
	}

	if arch, ok := src.(ArchiveSource); ok {
		day := from.UTC().Truncate(24 * time.Hour)
		if day.Add(24 * time.Hour).Before(f.clock.Now().UTC().Truncate(24 * time.Hour).Add(time.Nanosecond)) {
			next, n, err := f.archiveDay(ctx, arch, req, from, day, sink)
			if !errors.Is(err, ErrArchiveMissing) {
				return next, n, err
			}
			f.log.WithComponent("fetcher").WithFields(logger.Fields{
				"instrument": req.Instrument.String(),
				"day":        day.Format("2006-01-02"),
			}).Info("archive not published, falling back to rest")
		}
	}

	span := defaultTradeSpan
	if s, ok := src.(MaxTradeSpan); ok && s.TradeSpan() > 0 {
		span = s.TradeSpan()
	}
	end := from.Add(span)
	if end.After(req.End) {
		end = req.End
	}

	var trades []model.Trade
	err = f.call(ctx, req.Instrument, "trades", func(ctx context.Context, src Source) error {
		var err error
		trades, err = src.FetchTrades(ctx, req.Instrument, from, end, f.cfg.PageLimit)
		return err
	})
	if err != nil {
		return from, 0, err
	}

	n := f.emitTrades(trades, from, end, sink)
	if len(trades) < f.cfg.PageLimit {
		return end, n, nil
	}
	// A full page: continue from the last trade. Trades sharing its
	// millisecond are replayed again and removed by the dedupe window.
	last := trades[len(trades)-1].Time
	if !last.After(from) {
		last = from.Add(time.Millisecond)
	}
	return last, n, nil
}

func (f *Fetcher) archiveDay(ctx context.Context, arch ArchiveSource, req Request, from, day time.Time, sink Sink) (time.Time, int, error) {
	var trades []model.Trade
	err := f.callTimeout(ctx, req.Instrument, "archive", archiveTimeouts*f.cfg.Timeout, func(ctx context.Context, _ Source) error {
		var err error
		trades, err = arch.FetchArchive(ctx, req.Instrument, day)
		return err
	})
	if err != nil {
		return from, 0, err
	}
	end := day.Add(24 * time.Hour)
	if end.After(req.End) {
		end = req.End
	}
	return end, f.emitTrades(trades, from, end, sink), nil
}

func (f *Fetcher) emitTrades(trades []model.Trade, from, end time.Time, sink Sink) int {
	events := make([]model.Event, 0, len(trades))
	for _, t := range trades {
		if t.Time.Before(from) || !t.Time.Before(end) {
			continue
		}
		events = append(events, model.TradeEvent{Trade: t, Historical: true})
	}
	if len(events) > 0 {
		sink(events...)
	}
	return len(events)
}
