package model

import "time"

// Side is the taker side of a trade.
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Trade is immutable once decoded. ID is the exchange trade id and is the
// de-duplication key; an empty ID disables de-duplication for that trade.
type Trade struct {
	Instrument Instrument
	ID         string
	Price      Price
	Qty        Quantity
	Side       Side
	Time       time.Time
}

func (t Trade) IsSell() bool { return t.Side == Sell }

// DepthLevel is one price level. A zero Qty inside a diff removes the level.
type DepthLevel struct {
	Price Price
	Qty   Quantity
}

// Kline is an exchange-computed candle, used for live kline topics and for
// history backfill.
type Kline struct {
	OpenTime  time.Time
	Open      Price
	High      Price
	Low       Price
	Close     Price
	Volume    Quantity
	BuyVolume Quantity
	Trades    int64
}
