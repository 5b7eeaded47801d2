// Package kucoin serves KuCoin futures open interest and contract metadata.
// KuCoin is not streamed, so history and depth calls are unsupported.
package kucoin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"depthflow/config"
	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/internal/symbols"
	"depthflow/logger"
)

const okCode = "200000"

// Source implements fetcher.Source for the KuCoin futures REST API.
type Source struct {
	log       *logger.Log
	marketAPI futuresmarket.MarketAPI
	client    *http.Client
	baseURL   string
}

func NewSource(cfg *config.Config) *Source {
	ex, ok := cfg.Exchanges[model.KucoinLinear.Key()]
	if !ok {
		ex, _ = config.DefaultExchange(model.KucoinLinear.Key())
	}
	baseURL := strings.TrimRight(ex.RestURL, "/")

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetTimeout(cfg.Fetcher.Timeout).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()
	client := sdkapi.NewClient(option)

	s := &Source{
		log:       logger.GetLogger(),
		marketAPI: client.RestService().GetFuturesService().GetMarketAPI(),
		client:    fetcher.NewHTTPClient(model.VenueKucoin, ex, cfg.Fetcher.Timeout),
		baseURL:   baseURL,
	}
	s.log.WithComponent("kucoin_source").WithFields(logger.Fields{
		"base_url": baseURL,
		"timeout":  cfg.Fetcher.Timeout,
	}).Info("kucoin rest source initialized")
	return s
}

func (s *Source) Venue() model.Venue { return model.VenueKucoin }

func unsupported(op string) error {
	return fmt.Errorf("%w: kucoin %s", fetcher.ErrUnsupported, op)
}

func (s *Source) FetchSnapshot(context.Context, model.Instrument, int) (model.DepthSnapshot, error) {
	return model.DepthSnapshot{}, unsupported("depth")
}

func (s *Source) FetchKlines(context.Context, model.Instrument, model.Timeframe, time.Time, time.Time, int) ([]model.Kline, error) {
	return nil, unsupported("klines")
}

func (s *Source) FetchTrades(context.Context, model.Instrument, time.Time, time.Time, int) ([]model.Trade, error) {
	return nil, unsupported("trades")
}

func (s *Source) OpenInterest(ctx context.Context, inst model.Instrument) (model.OpenInterest, error) {
	contract := symbols.ToKucoin(inst.Symbol)
	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(contract).Build()
	resp, err := s.marketAPI.GetSymbol(req, ctx)
	if err != nil {
		return model.OpenInterest{}, err
	}
	if resp == nil || resp.OpenInterest == "" {
		return model.OpenInterest{}, &fetcher.StatusError{Venue: model.VenueKucoin, Status: http.StatusNotFound, Message: "no open interest for " + contract}
	}
	qty, err := model.ParseQuantity(resp.OpenInterest)
	if err != nil {
		return model.OpenInterest{}, err
	}
	return model.OpenInterest{Instrument: inst, Time: time.Now().UTC(), Value: qty}, nil
}

type contractPayload struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Symbol   string  `json:"symbol"`
		TickSize float64 `json:"tickSize"`
		LotSize  float64 `json:"lotSize"`
	} `json:"data"`
}

func (s *Source) TickerInfo(ctx context.Context, inst model.Instrument) (model.TickerInfo, error) {
	contract := symbols.ToKucoin(inst.Symbol)
	var p contractPayload
	if err := fetcher.GetJSON(ctx, s.client, model.VenueKucoin, s.baseURL+"/api/v1/contracts/"+contract, &p); err != nil {
		return model.TickerInfo{}, err
	}
	if p.Code != okCode {
		return model.TickerInfo{}, &fetcher.StatusError{Venue: model.VenueKucoin, Status: http.StatusBadRequest, Code: p.Code, Message: p.Msg}
	}
	step, err := model.ParsePriceStep(strconv.FormatFloat(p.Data.TickSize, 'f', -1, 64))
	if err != nil {
		return model.TickerInfo{}, err
	}
	lot, err := model.ParseQuantity(strconv.FormatFloat(p.Data.LotSize, 'f', -1, 64))
	if err != nil {
		return model.TickerInfo{}, err
	}
	return model.TickerInfo{Instrument: inst, TickSize: step, MinQty: lot}, nil
}
