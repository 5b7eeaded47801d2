// Package okx serves OKX v5 REST history, book snapshots and instrument
// metadata for swaps and spot.
package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"depthflow/config"
	"depthflow/internal/codec"
	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/internal/reader"
	"depthflow/logger"
)

const (
	// history-trades is paged backwards from the window end, so windows are
	// kept short and bounded in pages.
	tradeSpan     = 5 * time.Minute
	maxTradePages = 10
	pageSize      = 100
)

// Source implements fetcher.Source over the public OKX REST API.
type Source struct {
	opts    reader.Options
	log     *logger.Log
	client  *http.Client
	baseURL string
}

func NewSource(cfg *config.Config) *Source {
	ex, ok := cfg.Exchanges[model.OKXLinear.Key()]
	if !ok {
		ex, _ = config.DefaultExchange(model.OKXLinear.Key())
	}
	s := &Source{
		opts:    reader.Options{SizeInQuote: cfg.Feed.SizeInQuote},
		log:     logger.GetLogger(),
		client:  fetcher.NewHTTPClient(model.VenueOKX, ex, cfg.Fetcher.Timeout),
		baseURL: strings.TrimRight(ex.RestURL, "/"),
	}
	s.log.WithComponent("okx_source").WithFields(logger.Fields{
		"base_url": s.baseURL,
		"timeout":  cfg.Fetcher.Timeout,
	}).Info("okx rest source initialized")
	return s
}

func (s *Source) Venue() model.Venue { return model.VenueOKX }

func (s *Source) TradeSpan() time.Duration { return tradeSpan }

func instType(inst model.Instrument) (string, error) {
	switch inst.Exchange {
	case model.OKXLinear:
		return "SWAP", nil
	case model.OKXSpot:
		return "SPOT", nil
	default:
		return "", fmt.Errorf("%w: %s", fetcher.ErrUnsupported, inst.Exchange)
	}
}

// codeStatus maps OKX error codes: 50011 and 50061 are throttling, the 51xxx
// range is request validation.
func codeStatus(code string) int {
	switch {
	case code == "50011" || code == "50061":
		return http.StatusTooManyRequests
	case strings.HasPrefix(code, "51"):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func get[T any](ctx context.Context, s *Source, path string, q url.Values) ([]T, error) {
	var env envelope[T]
	if err := fetcher.GetJSON(ctx, s.client, model.VenueOKX, s.baseURL+path+"?"+q.Encode(), &env); err != nil {
		return nil, err
	}
	if env.Code != "0" {
		return nil, &fetcher.StatusError{Venue: model.VenueOKX, Status: codeStatus(env.Code), Code: env.Code, Message: env.Msg}
	}
	return env.Data, nil
}

func (s *Source) FetchSnapshot(ctx context.Context, inst model.Instrument, depth int) (model.DepthSnapshot, error) {
	if _, err := instType(inst); err != nil {
		return model.DepthSnapshot{}, err
	}
	if depth <= 0 || depth > 400 {
		depth = 400
	}
	q := url.Values{"instId": {inst.Symbol}, "sz": {strconv.Itoa(depth)}}
	data, err := get[bookData](ctx, s, "/api/v5/market/books", q)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	if len(data) == 0 {
		return model.DepthSnapshot{}, &fetcher.StatusError{Venue: model.VenueOKX, Status: http.StatusNotFound, Message: "empty book for " + inst.Symbol}
	}
	b := data[0]
	ms, err := reader.Millis(b.Ts)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	snap := model.DepthSnapshot{Instrument: inst, Seq: b.SeqID, Time: time.UnixMilli(ms).UTC()}
	if snap.Bids, err = reader.Levels(inst, s.opts.SizeInQuote, b.Bids); err != nil {
		return model.DepthSnapshot{}, err
	}
	if snap.Asks, err = reader.Levels(inst, s.opts.SizeInQuote, b.Asks); err != nil {
		return model.DepthSnapshot{}, err
	}
	return snap, nil
}

// FetchKlines reads history-candles, which returns bars strictly between
// before and after, newest first.
func (s *Source) FetchKlines(ctx context.Context, inst model.Instrument, tf model.Timeframe, start, end time.Time, limit int) ([]model.Kline, error) {
	if _, err := instType(inst); err != nil {
		return nil, err
	}
	bar, ok := codec.OKXBar(tf)
	if !ok {
		return nil, fmt.Errorf("%w: timeframe %s", fetcher.ErrUnsupported, tf)
	}
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}
	if capEnd := start.Add(time.Duration(limit) * tf.Duration()); capEnd.Before(end) {
		end = capEnd
	}
	q := url.Values{
		"instId": {inst.Symbol},
		"bar":    {bar},
		"before": {strconv.FormatInt(start.UnixMilli()-1, 10)},
		"after":  {strconv.FormatInt(end.UnixMilli(), 10)},
		"limit":  {strconv.Itoa(limit)},
	}
	rows, err := get[[]string](ctx, s, "/api/v5/market/history-candles", q)
	if err != nil {
		return nil, err
	}

	out := make([]model.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("okx candle %s: row has %d fields", inst, len(row))
		}
		ms, err := reader.Millis(row[0])
		if err != nil {
			return nil, err
		}
		k, err := reader.Kline(ms, row[1], row[2], row[3], row[4], row[5], "", 0)
		if err != nil {
			return nil, fmt.Errorf("okx candle %s: %w", inst, err)
		}
		if k.OpenTime.Before(start) || !k.OpenTime.Before(end) {
			continue
		}
		out = append(out, k)
	}
	reader.Reverse(out)
	return out, nil
}

// FetchTrades walks history-trades backwards from end by timestamp until it
// passes start, and returns the window ascending. limit is not enforced: a
// window is returned whole so the caller can advance past it.
func (s *Source) FetchTrades(ctx context.Context, inst model.Instrument, start, end time.Time, _ int) ([]model.Trade, error) {
	if _, err := instType(inst); err != nil {
		return nil, err
	}
	var out []model.Trade
	after := end.UnixMilli()
	page := 0
	for ; page < maxTradePages; page++ {
		q := url.Values{
			"instId": {inst.Symbol},
			"type":   {"2"},
			"after":  {strconv.FormatInt(after, 10)},
			"limit":  {strconv.Itoa(pageSize)},
		}
		rows, err := get[tradeData](ctx, s, "/api/v5/market/history-trades", q)
		if err != nil {
			return nil, err
		}
		oldest := after
		for _, r := range rows {
			ms, err := reader.Millis(r.Ts)
			if err != nil {
				return nil, err
			}
			if ms < oldest {
				oldest = ms
			}
			at := time.UnixMilli(ms)
			if at.Before(start) || !at.Before(end) {
				continue
			}
			side := model.Buy
			if r.Side == "sell" {
				side = model.Sell
			}
			t, err := reader.Trade(inst, s.opts.SizeInQuote, r.TradeID, r.Px, r.Sz, side, at)
			if err != nil {
				return nil, fmt.Errorf("okx trade %s: %w", inst, err)
			}
			out = append(out, t)
		}
		if len(rows) < pageSize || oldest < start.UnixMilli() || oldest >= after {
			break
		}
		after = oldest
	}
	if page == maxTradePages {
		s.log.WithComponent("okx_source").WithFields(logger.Fields{
			"instrument": inst.String(),
			"start":      start,
			"oldest":     time.UnixMilli(after).UTC(),
		}).Warn("trade window truncated at page limit")
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Source) TickerInfo(ctx context.Context, inst model.Instrument) (model.TickerInfo, error) {
	it, err := instType(inst)
	if err != nil {
		return model.TickerInfo{}, err
	}
	data, err := get[instrumentData](ctx, s, "/api/v5/public/instruments", url.Values{"instType": {it}, "instId": {inst.Symbol}})
	if err != nil {
		return model.TickerInfo{}, err
	}
	if len(data) == 0 {
		return model.TickerInfo{}, &fetcher.StatusError{Venue: model.VenueOKX, Status: http.StatusNotFound, Message: "unknown instrument " + inst.Symbol}
	}
	step, err := model.ParsePriceStep(data[0].TickSz)
	if err != nil {
		return model.TickerInfo{}, err
	}
	out := model.TickerInfo{Instrument: inst, TickSize: step}
	if data[0].MinSz != "" {
		if out.MinQty, err = model.ParseQuantity(data[0].MinSz); err != nil {
			return model.TickerInfo{}, err
		}
	}
	return out, nil
}

func (s *Source) OpenInterest(ctx context.Context, inst model.Instrument) (model.OpenInterest, error) {
	it, err := instType(inst)
	if err != nil {
		return model.OpenInterest{}, err
	}
	if it == "SPOT" {
		return model.OpenInterest{}, fmt.Errorf("%w: open interest on %s", fetcher.ErrUnsupported, inst.Exchange)
	}
	data, err := get[openInterestData](ctx, s, "/api/v5/public/open-interest", url.Values{"instType": {it}, "instId": {inst.Symbol}})
	if err != nil {
		return model.OpenInterest{}, err
	}
	if len(data) == 0 {
		return model.OpenInterest{}, &fetcher.StatusError{Venue: model.VenueOKX, Status: http.StatusNotFound, Message: "no open interest for " + inst.Symbol}
	}
	ms, err := reader.Millis(data[0].Ts)
	if err != nil {
		return model.OpenInterest{}, err
	}
	qty, err := model.ParseQuantity(data[0].Oi)
	if err != nil {
		return model.OpenInterest{}, err
	}
	return model.OpenInterest{Instrument: inst, Time: time.UnixMilli(ms).UTC(), Value: qty}, nil
}
