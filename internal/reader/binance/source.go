// Package binance serves Binance REST history, depth snapshots and contract
// metadata for the linear, inverse and spot markets.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/bytedance/sonic"

	"depthflow/config"
	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/internal/reader"
	"depthflow/logger"
)

// Binance caps aggTrades windows at one hour.
const tradeSpan = time.Hour

// Source implements fetcher.Source and fetcher.ArchiveSource. Linear and spot
// calls go through the go-binance clients; the coin-margined API is read
// directly with the same payload shapes.
type Source struct {
	opts reader.Options
	log  *logger.Log

	futures *futures.Client
	spot    *gobinance.Client

	inverse    *http.Client
	inverseURL string

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
	linear := exchangeConfig(cfg, model.BinanceLinear.Key())
	inverse := exchangeConfig(cfg, model.BinanceInverse.Key())
	spot := exchangeConfig(cfg, model.BinanceSpot.Key())
	timeout := cfg.Fetcher.Timeout

	fc := futures.NewClient("", "")
	fc.BaseURL = strings.TrimRight(linear.RestURL, "/")
	fc.HTTPClient = fetcher.NewHTTPClient(model.VenueBinance, linear, timeout)

	sc := gobinance.NewClient("", "")
	sc.BaseURL = strings.TrimRight(spot.RestURL, "/")
	sc.HTTPClient = fetcher.NewHTTPClient(model.VenueBinance, spot, timeout)

	s := &Source{
		opts:       reader.Options{SizeInQuote: cfg.Feed.SizeInQuote},
		log:        logger.GetLogger(),
		futures:    fc,
		spot:       sc,
		inverse:    fetcher.NewHTTPClient(model.VenueBinance, inverse, timeout),
		inverseURL: strings.TrimRight(inverse.RestURL, "/"),
		archive:    fetcher.NewHTTPClient(model.VenueBinance, linear, 0),
		archiveURL: map[model.Exchange]string{
			model.BinanceLinear:  strings.TrimRight(linear.ArchiveURL, "/"),
			model.BinanceInverse: strings.TrimRight(inverse.ArchiveURL, "/"),
			model.BinanceSpot:    strings.TrimRight(spot.ArchiveURL, "/"),
		},
	}

	s.log.WithComponent("binance_source").WithFields(logger.Fields{
		"linear_url":  fc.BaseURL,
		"inverse_url": s.inverseURL,
		"spot_url":    sc.BaseURL,
		"timeout":     timeout,
	}).Info("binance rest source initialized")
	return s
}

func (s *Source) Venue() model.Venue { return model.VenueBinance }

func (s *Source) TradeSpan() time.Duration { return tradeSpan }

// venueError turns go-binance API errors into fetcher status errors so the
// retry policy can tell parameter errors from throttling.
func venueError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	return &fetcher.StatusError{
		Venue:   model.VenueBinance,
		Status:  statusForCode(apiErr.Code),
		Code:    strconv.FormatInt(apiErr.Code, 10),
		Message: apiErr.Message,
	}
}

// statusForCode maps Binance error codes: -1003 and -1015 are throttling,
// the -11xx range covers bad request parameters, and -1121 is an unknown
// symbol.
func statusForCode(code int64) int {
	switch {
	case code == -1003 || code == -1015:
		return http.StatusTooManyRequests
	case code <= -1100 && code > -1200:
		return http.StatusBadRequest
	case code <= -2000 && code > -5000:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Source) FetchSnapshot(ctx context.Context, inst model.Instrument, depth int) (model.DepthSnapshot, error) {
	var (
		seq        int64
		bids, asks [][]string
		at         time.Time
	)
	switch inst.Exchange {
	case model.BinanceLinear:
		res, err := s.futures.NewDepthService().Symbol(inst.Symbol).Limit(depth).Do(ctx)
		if err != nil {
			return model.DepthSnapshot{}, venueError(err)
		}
		seq, at = res.LastUpdateID, time.UnixMilli(res.Time)
		for _, l := range res.Bids {
			bids = append(bids, []string{l.Price, l.Quantity})
		}
		for _, l := range res.Asks {
			asks = append(asks, []string{l.Price, l.Quantity})
		}
	case model.BinanceSpot:
		res, err := s.spot.NewDepthService().Symbol(inst.Symbol).Limit(depth).Do(ctx)
		if err != nil {
			return model.DepthSnapshot{}, venueError(err)
		}
		seq, at = res.LastUpdateID, time.Now()
		for _, l := range res.Bids {
			bids = append(bids, []string{l.Price, l.Quantity})
		}
		for _, l := range res.Asks {
			asks = append(asks, []string{l.Price, l.Quantity})
		}
	case model.BinanceInverse:
		var res depthPayload
		if err := s.getInverse(ctx, "/dapi/v1/depth", url.Values{"symbol": {inst.Symbol}, "limit": {strconv.Itoa(depth)}}, &res); err != nil {
			return model.DepthSnapshot{}, err
		}
		seq, at = res.LastUpdateID, time.UnixMilli(res.Time)
		bids, asks = res.Bids, res.Asks
	default:
		return model.DepthSnapshot{}, fmt.Errorf("%w: %s", fetcher.ErrUnsupported, inst.Exchange)
	}

	snap := model.DepthSnapshot{Instrument: inst, Seq: seq, Time: at.UTC()}
	var err error
	if snap.Bids, err = reader.Levels(inst, s.opts.SizeInQuote, bids); err != nil {
		return model.DepthSnapshot{}, err
	}
	if snap.Asks, err = reader.Levels(inst, s.opts.SizeInQuote, asks); err != nil {
		return model.DepthSnapshot{}, err
	}
	return snap, nil
}

func (s *Source) FetchKlines(ctx context.Context, inst model.Instrument, tf model.Timeframe, start, end time.Time, limit int) ([]model.Kline, error) {
	startMs, endMs := start.UnixMilli(), end.UnixMilli()-1
	if limit > 1500 {
		limit = 1500
	}
	var out []model.Kline
	add := func(openMs int64, o, h, l, c, vol, buy string, n int64) error {
		k, err := reader.Kline(openMs, o, h, l, c, vol, buy, n)
		if err != nil {
			return fmt.Errorf("binance kline %s: %w", inst, err)
		}
		out = append(out, k)
		return nil
	}

	switch inst.Exchange {
	case model.BinanceLinear:
		rows, err := s.futures.NewKlinesService().Symbol(inst.Symbol).Interval(tf.String()).
			StartTime(startMs).EndTime(endMs).Limit(limit).Do(ctx)
		if err != nil {
			return nil, venueError(err)
		}
		for _, r := range rows {
			if err := add(r.OpenTime, r.Open, r.High, r.Low, r.Close, r.Volume, r.TakerBuyBaseAssetVolume, r.TradeNum); err != nil {
				return nil, err
			}
		}
	case model.BinanceSpot:
		rows, err := s.spot.NewKlinesService().Symbol(inst.Symbol).Interval(tf.String()).
			StartTime(startMs).EndTime(endMs).Limit(limit).Do(ctx)
		if err != nil {
			return nil, venueError(err)
		}
		for _, r := range rows {
			if err := add(r.OpenTime, r.Open, r.High, r.Low, r.Close, r.Volume, r.TakerBuyBaseAssetVolume, r.TradeNum); err != nil {
				return nil, err
			}
		}
	case model.BinanceInverse:
		var rows [][]any
		q := url.Values{
			"symbol":    {inst.Symbol},
			"interval":  {tf.String()},
			"startTime": {strconv.FormatInt(startMs, 10)},
			"endTime":   {strconv.FormatInt(endMs, 10)},
			"limit":     {strconv.Itoa(limit)},
		}
		if err := s.getInverse(ctx, "/dapi/v1/klines", q, &rows); err != nil {
			return nil, err
		}
		for _, r := range rows {
			k, err := klineRow(r)
			if err != nil {
				return nil, fmt.Errorf("binance kline %s: %w", inst, err)
			}
			out = append(out, k)
		}
	default:
		return nil, fmt.Errorf("%w: %s", fetcher.ErrUnsupported, inst.Exchange)
	}
	return out, nil
}

func (s *Source) FetchTrades(ctx context.Context, inst model.Instrument, start, end time.Time, limit int) ([]model.Trade, error) {
	startMs, endMs := start.UnixMilli(), end.UnixMilli()-1
	if limit > 1000 {
		limit = 1000
	}
	var out []model.Trade
	add := func(id int64, price, qty string, buyerMaker bool, ms int64) error {
		side := model.Buy
		if buyerMaker {
			side = model.Sell
		}
		t, err := reader.Trade(inst, s.opts.SizeInQuote, strconv.FormatInt(id, 10), price, qty, side, time.UnixMilli(ms))
		if err != nil {
			return fmt.Errorf("binance aggTrade %s: %w", inst, err)
		}
		out = append(out, t)
		return nil
	}

	switch inst.Exchange {
	case model.BinanceLinear:
		rows, err := s.futures.NewAggTradesService().Symbol(inst.Symbol).StartTime(startMs).EndTime(endMs).Limit(limit).Do(ctx)
		if err != nil {
			return nil, venueError(err)
		}
		for _, r := range rows {
			if err := add(r.AggTradeID, r.Price, r.Quantity, r.IsBuyerMaker, r.Timestamp); err != nil {
				return nil, err
			}
		}
	case model.BinanceSpot:
		rows, err := s.spot.NewAggTradesService().Symbol(inst.Symbol).StartTime(startMs).EndTime(endMs).Limit(limit).Do(ctx)
		if err != nil {
			return nil, venueError(err)
		}
		for _, r := range rows {
			if err := add(r.AggTradeID, r.Price, r.Quantity, r.IsBuyerMaker, r.Timestamp); err != nil {
				return nil, err
			}
		}
	case model.BinanceInverse:
		var rows []aggTradePayload
		q := url.Values{
			"symbol":    {inst.Symbol},
			"startTime": {strconv.FormatInt(startMs, 10)},
			"endTime":   {strconv.FormatInt(endMs, 10)},
			"limit":     {strconv.Itoa(limit)},
		}
		if err := s.getInverse(ctx, "/dapi/v1/aggTrades", q, &rows); err != nil {
			return nil, err
		}
		for _, r := range rows {
			if err := add(r.ID, r.Price, r.Qty, r.BuyerMaker, r.Time); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", fetcher.ErrUnsupported, inst.Exchange)
	}
	return out, nil
}

func (s *Source) TickerInfo(ctx context.Context, inst model.Instrument) (model.TickerInfo, error) {
	var tick, minQty string
	switch inst.Exchange {
	case model.BinanceLinear:
		info, err := s.futures.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return model.TickerInfo{}, venueError(err)
		}
		for i := range info.Symbols {
			sym := &info.Symbols[i]
			if sym.Symbol != inst.Symbol {
				continue
			}
			if pf := sym.PriceFilter(); pf != nil {
				tick = pf.TickSize
			}
			if lf := sym.LotSizeFilter(); lf != nil {
				minQty = lf.MinQuantity
			}
			break
		}
	case model.BinanceSpot:
		info, err := s.spot.NewExchangeInfoService().Symbol(inst.Symbol).Do(ctx)
		if err != nil {
			return model.TickerInfo{}, venueError(err)
		}
		for i := range info.Symbols {
			sym := &info.Symbols[i]
			if sym.Symbol != inst.Symbol {
				continue
			}
			if pf := sym.PriceFilter(); pf != nil {
				tick = pf.TickSize
			}
			if lf := sym.LotSizeFilter(); lf != nil {
				minQty = lf.MinQuantity
			}
			break
		}
	case model.BinanceInverse:
		var info exchangeInfoPayload
		if err := s.getInverse(ctx, "/dapi/v1/exchangeInfo", nil, &info); err != nil {
			return model.TickerInfo{}, err
		}
		tick, minQty = info.filters(inst.Symbol)
	default:
		return model.TickerInfo{}, fmt.Errorf("%w: %s", fetcher.ErrUnsupported, inst.Exchange)
	}
	return tickerInfo(inst, tick, minQty)
}

func tickerInfo(inst model.Instrument, tick, minQty string) (model.TickerInfo, error) {
	if tick == "" {
		return model.TickerInfo{}, &fetcher.StatusError{Venue: model.VenueBinance, Status: http.StatusNotFound, Message: "unknown symbol " + inst.Symbol}
	}
	step, err := model.ParsePriceStep(tick)
	if err != nil {
		return model.TickerInfo{}, err
	}
	info := model.TickerInfo{Instrument: inst, TickSize: step}
	if minQty != "" {
		if info.MinQty, err = model.ParseQuantity(minQty); err != nil {
			return model.TickerInfo{}, err
		}
	}
	return info, nil
}

func (s *Source) OpenInterest(ctx context.Context, inst model.Instrument) (model.OpenInterest, error) {
	var value string
	var ms int64
	switch inst.Exchange {
	case model.BinanceLinear:
		res, err := s.futures.NewGetOpenInterestService().Symbol(inst.Symbol).Do(ctx)
		if err != nil {
			return model.OpenInterest{}, venueError(err)
		}
		value, ms = res.OpenInterest, res.Time
	case model.BinanceInverse:
		var res openInterestPayload
		if err := s.getInverse(ctx, "/dapi/v1/openInterest", url.Values{"symbol": {inst.Symbol}}, &res); err != nil {
			return model.OpenInterest{}, err
		}
		value, ms = res.OpenInterest, res.Time
	default:
		return model.OpenInterest{}, fmt.Errorf("%w: open interest on %s", fetcher.ErrUnsupported, inst.Exchange)
	}
	qty, err := model.ParseQuantity(value)
	if err != nil {
		return model.OpenInterest{}, err
	}
	return model.OpenInterest{Instrument: inst, Time: time.UnixMilli(ms).UTC(), Value: qty}, nil
}

func (s *Source) getInverse(ctx context.Context, path string, q url.Values, out any) error {
	u := s.inverseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	err := fetcher.GetJSON(ctx, s.inverse, model.VenueBinance, u, out)
	var se *fetcher.StatusError
	if errors.As(err, &se) {
		var body struct {
			Code int64  `json:"code"`
			Msg  string `json:"msg"`
		}
		if decodeErr := sonic.Unmarshal([]byte(se.Message), &body); decodeErr == nil && body.Code != 0 {
			if st := statusForCode(body.Code); st != http.StatusBadGateway {
				se.Status = st
			}
			se.Code = strconv.FormatInt(body.Code, 10)
			se.Message = body.Msg
		}
	}
	return err
}
