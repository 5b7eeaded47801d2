// Package bybit serves Bybit v5 REST history, depth snapshots and contract
// metadata for the linear, inverse and spot categories.
package bybit

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/bytedance/sonic"

	"depthflow/config"
	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/internal/reader"
	"depthflow/logger"
)

// Source implements fetcher.Source and fetcher.ArchiveSource. Bybit keeps no
// trade history behind REST; older trades come from the daily archives.
type Source struct {
	opts   reader.Options
	log    *logger.Log
	client *bybit.Client

	archive    *http.Client
	archiveURL map[model.Exchange]string
}

func exchangeConfig(cfg *config.Config, key string) config.ExchangeConfig {
	if ex, ok := cfg.Exchanges[key]; ok {
		return ex
	}
	ex, _ := config.DefaultExchange(key)
	return ex
}

func NewSource(cfg *config.Config) *Source {
	linear := exchangeConfig(cfg, model.BybitLinear.Key())
	inverse := exchangeConfig(cfg, model.BybitInverse.Key())
	spot := exchangeConfig(cfg, model.BybitSpot.Key())

	// All categories share one host and one IP budget.
	base := strings.TrimRight(linear.RestURL, "/")
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = fetcher.NewHTTPClient(model.VenueBybit, linear, cfg.Fetcher.Timeout)

	s := &Source{
		opts:    reader.Options{SizeInQuote: cfg.Feed.SizeInQuote},
		log:     logger.GetLogger(),
		client:  client,
		archive: fetcher.NewHTTPClient(model.VenueBybit, linear, 0),
		archiveURL: map[model.Exchange]string{
			model.BybitLinear:  strings.TrimRight(linear.ArchiveURL, "/"),
			model.BybitInverse: strings.TrimRight(inverse.ArchiveURL, "/"),
			model.BybitSpot:    strings.TrimRight(spot.ArchiveURL, "/"),
		},
	}

	s.log.WithComponent("bybit_source").WithFields(logger.Fields{
		"base_url": base,
		"timeout":  cfg.Fetcher.Timeout,
	}).Info("bybit rest source initialized")
	return s
}

func (s *Source) Venue() model.Venue { return model.VenueBybit }

func category(inst model.Instrument) (string, error) {
	switch inst.Exchange {
	case model.BybitLinear:
		return "linear", nil
	case model.BybitInverse:
		return "inverse", nil
	case model.BybitSpot:
		return "spot", nil
	default:
		return "", fmt.Errorf("%w: %s", fetcher.ErrUnsupported, inst.Exchange)
	}
}

var intervals = map[model.Timeframe]string{
	model.M1: "1", model.M3: "3", model.M5: "5", model.M15: "15", model.M30: "30",
	model.H1: "60", model.H2: "120", model.H4: "240", model.H6: "360", model.H12: "720",
	model.D1: "D",
}

// retStatus maps Bybit retCodes: 10006 and 10018 are throttling, 10001 is
// a parameter error and 10016 a server error.
func retStatus(code int) int {
	switch code {
	case 10006, 10018:
		return http.StatusTooManyRequests
	case 10001, 10002, 110001:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// decode checks the response envelope and unpacks its result into out.
func decode(resp *bybit.ServerResponse, out any) error {
	if resp == nil {
		return fmt.Errorf("bybit: empty response")
	}
	if resp.RetCode != 0 {
		return &fetcher.StatusError{
			Venue:   model.VenueBybit,
			Status:  retStatus(resp.RetCode),
			Code:    strconv.Itoa(resp.RetCode),
			Message: resp.RetMsg,
		}
	}
	payload, err := sonic.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("bybit: encode result: %w", err)
	}
	if err := sonic.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("bybit: decode result: %w", err)
	}
	return nil
}

func (s *Source) FetchSnapshot(ctx context.Context, inst model.Instrument, depth int) (model.DepthSnapshot, error) {
	cat, err := category(inst)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	params := map[string]interface{}{"category": cat, "symbol": inst.Symbol, "limit": depth}
	resp, err := s.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	var res orderbookResult
	if err := decode(resp, &res); err != nil {
		return model.DepthSnapshot{}, err
	}

	snap := model.DepthSnapshot{Instrument: inst, Seq: res.Update, Time: time.UnixMilli(res.Ts).UTC()}
	if snap.Bids, err = reader.Levels(inst, s.opts.SizeInQuote, res.Bids); err != nil {
		return model.DepthSnapshot{}, err
	}
	if snap.Asks, err = reader.Levels(inst, s.opts.SizeInQuote, res.Asks); err != nil {
		return model.DepthSnapshot{}, err
	}
	return snap, nil
}

// FetchKlines pages come back newest first and are returned ascending.
func (s *Source) FetchKlines(ctx context.Context, inst model.Instrument, tf model.Timeframe, start, end time.Time, limit int) ([]model.Kline, error) {
	cat, err := category(inst)
	if err != nil {
		return nil, err
	}
	interval, ok := intervals[tf]
	if !ok {
		return nil, fmt.Errorf("%w: timeframe %s", fetcher.ErrUnsupported, tf)
	}
	if limit > 1000 {
		limit = 1000
	}
	// The window is capped so the newest-first page starts at start.
	if capEnd := start.Add(time.Duration(limit) * tf.Duration()); capEnd.Before(end) {
		end = capEnd
	}
	params := map[string]interface{}{
		"category": cat,
		"symbol":   inst.Symbol,
		"interval": interval,
		"start":    start.UnixMilli(),
		"end":      end.UnixMilli() - 1,
		"limit":    limit,
	}
	resp, err := s.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	if err != nil {
		return nil, err
	}
	var res listResult[[]string]
	if err := decode(resp, &res); err != nil {
		return nil, err
	}

	out := make([]model.Kline, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 6 {
			return nil, fmt.Errorf("bybit kline %s: row has %d fields", inst, len(row))
		}
		ms, err := reader.Millis(row[0])
		if err != nil {
			return nil, err
		}
		k, err := reader.Kline(ms, row[1], row[2], row[3], row[4], row[5], "", 0)
		if err != nil {
			return nil, fmt.Errorf("bybit kline %s: %w", inst, err)
		}
		if k.OpenTime.Before(start) || !k.OpenTime.Before(end) {
			continue
		}
		out = append(out, k)
	}
	reader.Reverse(out)
	return out, nil
}

// FetchTrades only sees the most recent public trades; anything older than
// that window is served by FetchArchive.
func (s *Source) FetchTrades(ctx context.Context, inst model.Instrument, start, end time.Time, limit int) ([]model.Trade, error) {
	cat, err := category(inst)
	if err != nil {
		return nil, err
	}
	max := 1000
	if cat == "spot" {
		max = 60
	}
	params := map[string]interface{}{"category": cat, "symbol": inst.Symbol, "limit": max}
	resp, err := s.client.NewUtaBybitServiceWithParams(params).GetPublicRecentTrades(ctx)
	if err != nil {
		return nil, err
	}
	var res listResult[recentTrade]
	if err := decode(resp, &res); err != nil {
		return nil, err
	}

	out := make([]model.Trade, 0, len(res.List))
	for _, r := range res.List {
		ms, err := reader.Millis(r.Time)
		if err != nil {
			return nil, err
		}
		at := time.UnixMilli(ms)
		if at.Before(start) || !at.Before(end) {
			continue
		}
		t, err := reader.Trade(inst, s.opts.SizeInQuote, r.ExecID, r.Price, r.Size, side(r.Side), at)
		if err != nil {
			return nil, fmt.Errorf("bybit trade %s: %w", inst, err)
		}
		out = append(out, t)
	}
	sortTrades(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func side(s string) model.Side {
	if strings.EqualFold(s, "sell") {
		return model.Sell
	}
	return model.Buy
}

func (s *Source) TickerInfo(ctx context.Context, inst model.Instrument) (model.TickerInfo, error) {
	cat, err := category(inst)
	if err != nil {
		return model.TickerInfo{}, err
	}
	params := map[string]interface{}{"category": cat, "symbol": inst.Symbol}
	resp, err := s.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return model.TickerInfo{}, err
	}
	var res listResult[instrumentInfo]
	if err := decode(resp, &res); err != nil {
		return model.TickerInfo{}, err
	}
	if len(res.List) == 0 {
		return model.TickerInfo{}, &fetcher.StatusError{Venue: model.VenueBybit, Status: http.StatusNotFound, Message: "unknown symbol " + inst.Symbol}
	}

	info := res.List[0]
	step, err := model.ParsePriceStep(info.PriceFilter.TickSize)
	if err != nil {
		return model.TickerInfo{}, err
	}
	out := model.TickerInfo{Instrument: inst, TickSize: step}
	if info.LotSizeFilter.MinOrderQty != "" {
		if out.MinQty, err = model.ParseQuantity(info.LotSizeFilter.MinOrderQty); err != nil {
			return model.TickerInfo{}, err
		}
	}
	return out, nil
}

func (s *Source) OpenInterest(ctx context.Context, inst model.Instrument) (model.OpenInterest, error) {
	cat, err := category(inst)
	if err != nil {
		return model.OpenInterest{}, err
	}
	if cat == "spot" {
		return model.OpenInterest{}, fmt.Errorf("%w: open interest on %s", fetcher.ErrUnsupported, inst.Exchange)
	}
	params := map[string]interface{}{"category": cat, "symbol": inst.Symbol, "intervalTime": "5min", "limit": 1}
	resp, err := s.client.NewUtaBybitServiceWithParams(params).GetOpenInterests(ctx)
	if err != nil {
		return model.OpenInterest{}, err
	}
	var res listResult[openInterestEntry]
	if err := decode(resp, &res); err != nil {
		return model.OpenInterest{}, err
	}
	if len(res.List) == 0 {
		return model.OpenInterest{}, &fetcher.StatusError{Venue: model.VenueBybit, Status: http.StatusNotFound, Message: "no open interest for " + inst.Symbol}
	}
	entry := res.List[0]
	ms, err := reader.Millis(entry.Timestamp)
	if err != nil {
		return model.OpenInterest{}, err
	}
	qty, err := model.ParseQuantity(entry.OpenInterest)
	if err != nil {
		return model.OpenInterest{}, err
	}
	return model.OpenInterest{Instrument: inst, Time: time.UnixMilli(ms).UTC(), Value: qty}, nil
}

func sortTrades(trades []model.Trade) {
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Time.Before(trades[j].Time) })
}
