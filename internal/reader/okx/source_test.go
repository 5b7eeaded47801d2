package okx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"depthflow/config"
	"depthflow/internal/fetcher"
	"depthflow/internal/model"
)

func testSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	ex, _ := config.DefaultExchange("okx_linear")
	ex.RestURL = srv.URL
	cfg.Exchanges = map[string]config.ExchangeConfig{"okx_linear": ex}
	return NewSource(&cfg)
}

func TestFetchKlinesWindow(t *testing.T) {
	start := time.UnixMilli(1704844800000).UTC()
	src := testSource(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/v5/market/history-candles" || q.Get("bar") != "1m" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if q.Get("before") != strconv.FormatInt(start.UnixMilli()-1, 10) {
			t.Errorf("unexpected before %q", q.Get("before"))
		}
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[` +
			`["1704844860000","101","102","100","101.5","3","0.03","300","1"],` +
			`["1704844800000","100","101","99","101","2","0.02","200","1"]]}`))
	})

	inst := model.NewInstrument(model.OKXLinear, "BTC-USDT-SWAP")
	klines, err := src.FetchKlines(context.Background(), inst, model.M1, start, start.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if len(klines) != 2 || !klines[0].OpenTime.Equal(start) || klines[1].High != model.MustPrice("102") {
		t.Fatalf("unexpected klines: %+v", klines)
	}
}

func TestFetchTradesPagesBackwards(t *testing.T) {
	start := time.UnixMilli(1704844800000).UTC()
	end := start.Add(tradeSpan)
	calls := 0
	src := testSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		var rows []string
		// One trade per second, newest first, strictly older than after.
		for i := 0; i < pageSize; i++ {
			ms := after - int64(i+1)*1000
			rows = append(rows, fmt.Sprintf(`{"instId":"BTC-USDT-SWAP","tradeId":"%d","px":"100","sz":"1","side":"buy","ts":"%d"}`, ms, ms))
		}
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[` + strings.Join(rows, ",") + `]}`))
	})

	trades, err := src.FetchTrades(context.Background(), model.NewInstrument(model.OKXLinear, "BTC-USDT-SWAP"), start, end, 100)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	// 300 seconds of trades need three full pages and stop once past start.
	if calls != 4 {
		t.Fatalf("expected 4 pages, got %d", calls)
	}
	if len(trades) != 300 {
		t.Fatalf("expected 300 trades, got %d", len(trades))
	}
	if !trades[0].Time.Equal(start) || !trades[len(trades)-1].Time.Before(end) {
		t.Fatalf("trades not ascending within window: %v .. %v", trades[0].Time, trades[len(trades)-1].Time)
	}
}

func TestErrorCodes(t *testing.T) {
	src := testSource(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`))
	})

	_, err := src.TickerInfo(context.Background(), model.NewInstrument(model.OKXLinear, "NOPE-SWAP"))
	var se *fetcher.StatusError
	if !errors.As(err, &se) || se.Code != "51001" || !fetcher.IsPermanent(err) {
		t.Fatalf("expected permanent status error, got %v", err)
	}
	if fetcher.IsPermanent(&fetcher.StatusError{Status: codeStatus("50011")}) {
		t.Fatal("rate limit must be retried")
	}
	if _, err := src.OpenInterest(context.Background(), model.NewInstrument(model.OKXSpot, "BTC-USDT")); !errors.Is(err, fetcher.ErrUnsupported) {
		t.Fatalf("spot open interest must be unsupported, got %v", err)
	}
}
