package model

import "time"

// NPOCStatus tracks whether a candle's point of control was revisited by a
// later candle's range.
type NPOCStatus int8

const (
	NPOCNone NPOCStatus = iota
	NPOCNaked
	NPOCFilled
)

func (s NPOCStatus) String() string {
	switch s {
	case NPOCNaked:
		return "naked"
	case NPOCFilled:
		return "filled"
	default:
		return "none"
	}
}

// FootprintCell is the buy/sell volume traded at one binned price inside one
// candle.
type FootprintCell struct {
	Price      Price
	BuyVolume  Quantity
	SellVolume Quantity
}

func (c FootprintCell) Total() Quantity {
	return c.BuyVolume.Add(c.SellVolume)
}

// Candle is one bucket of a series. Closed candles never change. Filled
// candles were synthesized to keep the time axis contiguous and carry the
// prior close with zero volume.
type Candle struct {
	Instrument Instrument
	Resolution Resolution
	OpenTime   time.Time
	Open       Price
	High       Price
	Low        Price
	Close      Price
	Volume     Quantity
	BuyVolume  Quantity
	SellVolume Quantity
	Trades     int64
	Closed     bool
	Filled     bool

	Footprint []FootprintCell
	POC       *Price
	NakedPOC  NPOCStatus
	// FilledAt is the index distance to the candle that revisited the POC.
	FilledAt int
}
