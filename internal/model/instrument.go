package model

import (
	"fmt"
	"strings"
	"time"
)

// Instrument is the routing key used by every component: one symbol on one
// exchange. Construct it with NewInstrument so Kind stays consistent.
type Instrument struct {
	Exchange Exchange
	Symbol   string
	Kind     MarketKind
}

func NewInstrument(exchange Exchange, symbol string) Instrument {
	return Instrument{
		Exchange: exchange,
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Kind:     exchange.MarketKind(),
	}
}

// ParseInstrument parses "<exchange key>:<SYMBOL>", e.g. "bybit_linear:BTCUSDT".
func ParseInstrument(s string) (Instrument, error) {
	exch, sym, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(sym) == "" {
		return Instrument{}, fmt.Errorf("invalid instrument %q: want exchange:symbol", s)
	}
	e, err := ParseExchange(exch)
	if err != nil {
		return Instrument{}, fmt.Errorf("invalid instrument %q: %w", s, err)
	}
	return NewInstrument(e, sym), nil
}

func (i Instrument) String() string {
	return i.Exchange.Key() + ":" + i.Symbol
}

func (i Instrument) IsZero() bool {
	return i.Symbol == ""
}

// TickerInfo carries the venue's minimum tick and order size.
type TickerInfo struct {
	Instrument Instrument
	TickSize   PriceStep
	MinQty     Quantity
}

// OpenInterest is one sample of outstanding contracts.
type OpenInterest struct {
	Instrument Instrument
	Time       time.Time
	Value      Quantity
}

// Credentials authenticate private channels. Passphrase is only used by OKX.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.Secret == ""
}
