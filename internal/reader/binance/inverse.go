package binance

import (
	"fmt"
	"strconv"

	"depthflow/internal/model"
	"depthflow/internal/reader"
)

type depthPayload struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Time         int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type aggTradePayload struct {
	ID         int64  `json:"a"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	Time       int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type openInterestPayload struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type exchangeInfoPayload struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (p exchangeInfoPayload) filters(symbol string) (tick, minQty string) {
	for _, s := range p.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				tick = f.TickSize
			case "LOT_SIZE":
				minQty = f.MinQty
			}
		}
		return tick, minQty
	}
	return "", ""
}

// klineRow decodes one kline array: open time, open, high, low, close,
// volume, close time, quote volume, trades, taker buy volume, ...
func klineRow(r []any) (model.Kline, error) {
	if len(r) < 10 {
		return model.Kline{}, fmt.Errorf("kline row has %d fields", len(r))
	}
	str := func(v any) string {
		switch x := v.(type) {
		case string:
			return x
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			return fmt.Sprint(x)
		}
	}
	num := func(v any) int64 {
		switch x := v.(type) {
		case float64:
			return int64(x)
		case string:
			n, _ := strconv.ParseInt(x, 10, 64)
			return n
		default:
			return 0
		}
	}
	return reader.Kline(num(r[0]), str(r[1]), str(r[2]), str(r[3]), str(r[4]), str(r[5]), str(r[9]), num(r[8]))
}
