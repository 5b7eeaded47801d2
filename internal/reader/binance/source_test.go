package binance

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"depthflow/config"
	"depthflow/internal/fetcher"
	"depthflow/internal/model"
)

func testSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Exchanges = map[string]config.ExchangeConfig{}
	for _, key := range []string{"binance_linear", "binance_inverse", "binance_spot"} {
		ex, _ := config.DefaultExchange(key)
		ex.RestURL = srv.URL
		ex.ArchiveURL = srv.URL + "/archive"
		cfg.Exchanges[key] = ex
	}
	return NewSource(&cfg)
}

func TestFetchSnapshotLinear(t *testing.T) {
	src := testSource(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/depth" || r.URL.Query().Get("symbol") != "BTCUSDT" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"lastUpdateId":1027024,"E":1589436922972,"T":1589436922959,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`))
	})

	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	snap, err := src.FetchSnapshot(context.Background(), inst, 100)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Seq != 1027024 || len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Bids[0].Price != model.MustPrice("4") || snap.Asks[0].Qty.String() != "12" {
		t.Fatalf("unexpected levels: %+v %+v", snap.Bids, snap.Asks)
	}
}

func TestInverseKlinesAndTrades(t *testing.T) {
	src := testSource(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dapi/v1/klines":
			_, _ = w.Write([]byte(`[[1704844800000,"100.0","101.5","99.5","101.0","20",1704844859999,"0.2",7,"12","0.12","0"]]`))
		case "/dapi/v1/aggTrades":
			_, _ = w.Write([]byte(`[{"a":26129,"p":"100.1","q":"3","f":1,"l":1,"T":1704844800123,"m":true}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	inst := model.NewInstrument(model.BinanceInverse, "BTCUSD_PERP")
	start := time.UnixMilli(1704844800000).UTC()
	klines, err := src.FetchKlines(context.Background(), inst, model.M1, start, start.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if len(klines) != 1 || klines[0].Trades != 7 || klines[0].BuyVolume.String() != "12" || klines[0].High != model.MustPrice("101.5") {
		t.Fatalf("unexpected klines: %+v", klines)
	}

	trades, err := src.FetchTrades(context.Background(), inst, start, start.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != "26129" || trades[0].Side != model.Sell {
		t.Fatalf("unexpected trades: %+v", trades)
	}
}

func TestInverseParameterErrorIsPermanent(t *testing.T) {
	src := testSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})

	_, err := src.OpenInterest(context.Background(), model.NewInstrument(model.BinanceInverse, "NOPE_PERP"))
	var se *fetcher.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected status error, got %v", err)
	}
	if se.Code != "-1121" || !fetcher.IsPermanent(err) {
		t.Fatalf("unexpected status error: %+v", se)
	}

	if _, err := src.OpenInterest(context.Background(), model.NewInstrument(model.BinanceSpot, "BTCUSDT")); !errors.Is(err, fetcher.ErrUnsupported) {
		t.Fatalf("spot open interest must be unsupported, got %v", err)
	}
}

func TestFetchArchive(t *testing.T) {
	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	w, _ := zw.Create("BTCUSDT-aggTrades-2024-01-10.csv")
	_, _ = w.Write([]byte("agg_trade_id,price,quantity,first_trade_id,last_trade_id,transact_time,is_buyer_maker\n" +
		"1,100.5,2,10,11,1704844800000,true\n" +
		"2,101,1,12,12,1704844800100,false\n"))
	_ = zw.Close()

	src := testSource(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/archive/daily/aggTrades/BTCUSDT/BTCUSDT-aggTrades-2024-01-10.zip":
			_, _ = w.Write(zbuf.Bytes())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	trades, err := src.FetchArchive(context.Background(), inst, day)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if len(trades) != 2 || trades[0].Side != model.Sell || trades[1].Side != model.Buy {
		t.Fatalf("unexpected trades: %+v", trades)
	}
	if !trades[1].Time.Equal(time.UnixMilli(1704844800100)) {
		t.Fatalf("unexpected time: %v", trades[1].Time)
	}

	if _, err := src.FetchArchive(context.Background(), inst, day.Add(24*time.Hour)); !errors.Is(err, fetcher.ErrArchiveMissing) {
		t.Fatalf("expected missing archive, got %v", err)
	}
}
