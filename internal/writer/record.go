// Package writer exports closed candles to parquet files (local disk or S3)
// and to Kafka.
package writer

import (
	"strings"
	"time"

	"depthflow/internal/model"
	"depthflow/internal/symbols"
)

// CandleRecord is the flattened row of one closed candle.
type CandleRecord struct {
	BatchID    string  `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8" json:"batch_id"`
	Exchange   string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8" json:"exchange"`
	Market     string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8" json:"market"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8" json:"symbol"`
	Pair       string  `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8" json:"pair"`
	Resolution string  `parquet:"name=resolution, type=BYTE_ARRAY, convertedtype=UTF8" json:"resolution"`
	OpenTime   int64   `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS" json:"open_time"`
	Open       float64 `parquet:"name=open, type=DOUBLE" json:"open"`
	High       float64 `parquet:"name=high, type=DOUBLE" json:"high"`
	Low        float64 `parquet:"name=low, type=DOUBLE" json:"low"`
	Close      float64 `parquet:"name=close, type=DOUBLE" json:"close"`
	Volume     float64 `parquet:"name=volume, type=DOUBLE" json:"volume"`
	BuyVolume  float64 `parquet:"name=buy_volume, type=DOUBLE" json:"buy_volume"`
	SellVolume float64 `parquet:"name=sell_volume, type=DOUBLE" json:"sell_volume"`
	Trades     int64   `parquet:"name=trades, type=INT64" json:"trades"`
	POC        float64 `parquet:"name=poc, type=DOUBLE" json:"poc"`
	NakedPOC   string  `parquet:"name=naked_poc, type=BYTE_ARRAY, convertedtype=UTF8" json:"naked_poc"`
	Filled     bool    `parquet:"name=filled, type=BOOLEAN" json:"filled"`
}

// NewRecord flattens c. Prices and volumes lose exactness here; the export
// is for analytics, not replay.
func NewRecord(c model.Candle, batchID string) CandleRecord {
	rec := CandleRecord{
		BatchID:    batchID,
		Exchange:   c.Instrument.Exchange.Key(),
		Market:     strings.ToLower(c.Instrument.Kind.String()),
		Symbol:     c.Instrument.Symbol,
		Pair:       symbols.Canonical(c.Instrument),
		Resolution: c.Resolution.String(),
		OpenTime:   c.OpenTime.UTC().UnixMilli(),
		Open:       c.Open.Float64(),
		High:       c.High.Float64(),
		Low:        c.Low.Float64(),
		Close:      c.Close.Float64(),
		Volume:     c.Volume.InexactFloat64(),
		BuyVolume:  c.BuyVolume.InexactFloat64(),
		SellVolume: c.SellVolume.InexactFloat64(),
		Trades:     c.Trades,
		NakedPOC:   c.NakedPOC.String(),
		Filled:     c.Filled,
	}
	if c.POC != nil {
		rec.POC = c.POC.Float64()
	}
	return rec
}

// Batch is the unit handed to every sink: closed candles of one instrument
// and resolution.
type Batch struct {
	ID         string
	Instrument model.Instrument
	Resolution model.Resolution
	Records    []CandleRecord
	// Timestamp is the open time of the newest candle.
	Timestamp time.Time
	Reason    string
}

func (b Batch) RecordCount() int { return len(b.Records) }
