package model

import (
	"fmt"
	"strings"
)

// Venue identifies an exchange operator independent of its market kinds.
type Venue string

const (
	VenueBinance Venue = "binance"
	VenueBybit   Venue = "bybit"
	VenueOKX     Venue = "okx"
	VenueKucoin  Venue = "kucoin"
)

// MarketKind separates spot books from linear and inverse perpetuals.
type MarketKind int

const (
	Spot MarketKind = iota
	LinearPerps
	InversePerps
)

func (k MarketKind) String() string {
	switch k {
	case Spot:
		return "Spot"
	case LinearPerps:
		return "Linear"
	case InversePerps:
		return "Inverse"
	default:
		return fmt.Sprintf("MarketKind(%d)", int(k))
	}
}

// QuoteValue converts a base quantity into quote currency. Inverse
// contracts are already denominated in quote units.
func (k MarketKind) QuoteValue(qty Quantity, price Price) Quantity {
	if k == InversePerps {
		return qty
	}
	return qty.Mul(price.Decimal())
}

// Exchange is one venue/market-kind pair a connector can stream from.
type Exchange int

const (
	BinanceLinear Exchange = iota
	BinanceInverse
	BinanceSpot
	BybitLinear
	BybitInverse
	BybitSpot
	OKXLinear
	OKXSpot
	KucoinLinear
)

// Exchanges lists every supported exchange in display order.
var Exchanges = []Exchange{
	BinanceLinear, BinanceInverse, BinanceSpot,
	BybitLinear, BybitInverse, BybitSpot,
	OKXLinear, OKXSpot,
	KucoinLinear,
}

var exchangeNames = map[Exchange][2]string{
	BinanceLinear:  {"Binance Linear", "binance_linear"},
	BinanceInverse: {"Binance Inverse", "binance_inverse"},
	BinanceSpot:    {"Binance Spot", "binance_spot"},
	BybitLinear:    {"Bybit Linear", "bybit_linear"},
	BybitInverse:   {"Bybit Inverse", "bybit_inverse"},
	BybitSpot:      {"Bybit Spot", "bybit_spot"},
	OKXLinear:      {"OKX Linear", "okx_linear"},
	OKXSpot:        {"OKX Spot", "okx_spot"},
	KucoinLinear:   {"Kucoin Linear", "kucoin_linear"},
}

func (e Exchange) String() string {
	if n, ok := exchangeNames[e]; ok {
		return n[0]
	}
	return fmt.Sprintf("Exchange(%d)", int(e))
}

// Key is the config/wire friendly name, e.g. "binance_linear".
func (e Exchange) Key() string {
	if n, ok := exchangeNames[e]; ok {
		return n[1]
	}
	return fmt.Sprintf("exchange_%d", int(e))
}

func (e Exchange) Venue() Venue {
	switch e {
	case BinanceLinear, BinanceInverse, BinanceSpot:
		return VenueBinance
	case BybitLinear, BybitInverse, BybitSpot:
		return VenueBybit
	case OKXLinear, OKXSpot:
		return VenueOKX
	case KucoinLinear:
		return VenueKucoin
	default:
		return ""
	}
}

func (e Exchange) MarketKind() MarketKind {
	switch e {
	case BinanceInverse, BybitInverse:
		return InversePerps
	case BinanceSpot, BybitSpot, OKXSpot:
		return Spot
	default:
		return LinearPerps
	}
}

// Valid reports whether e is one of the declared exchanges.
func (e Exchange) Valid() bool {
	_, ok := exchangeNames[e]
	return ok
}

// ParseExchange accepts the display name ("Bybit Spot") or the key
// ("bybit_spot"), case-insensitively.
func ParseExchange(s string) (Exchange, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for _, e := range Exchanges {
		n := exchangeNames[e]
		if needle == strings.ToLower(n[0]) || needle == n[1] {
			return e, nil
		}
	}
	return 0, fmt.Errorf("invalid exchange %q", s)
}
