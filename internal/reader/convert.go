// Package reader holds the conversions shared by the venue REST sources.
package reader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"depthflow/internal/model"
)

// Options are the decoding choices every source applies to REST payloads so
// historical data matches what the live codecs emit.
type Options struct {
	SizeInQuote bool
}

// Levels converts [price, size, ...] rows into depth levels.
func Levels(inst model.Instrument, sizeInQuote bool, rows [][]string) ([]model.DepthLevel, error) {
	out := make([]model.DepthLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%s: depth level needs price and size", inst)
		}
		price, err := model.ParsePrice(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := model.ParseQuantity(row[1])
		if err != nil {
			return nil, err
		}
		if sizeInQuote {
			qty = inst.Kind.QuoteValue(qty, price)
		}
		out = append(out, model.DepthLevel{Price: price, Qty: qty})
	}
	return out, nil
}

// Trade builds a trade from its string fields. at is the execution time.
func Trade(inst model.Instrument, sizeInQuote bool, id, price, size string, side model.Side, at time.Time) (model.Trade, error) {
	p, err := model.ParsePrice(price)
	if err != nil {
		return model.Trade{}, err
	}
	q, err := model.ParseQuantity(size)
	if err != nil {
		return model.Trade{}, err
	}
	if sizeInQuote {
		q = inst.Kind.QuoteValue(q, p)
	}
	return model.Trade{Instrument: inst, ID: id, Price: p, Qty: q, Side: side, Time: at.UTC()}, nil
}

// Kline builds a kline from its string fields. buyVolume may be empty.
func Kline(openMs int64, open, high, low, closePx, volume, buyVolume string, trades int64) (model.Kline, error) {
	var k model.Kline
	var err error
	k.OpenTime = time.UnixMilli(openMs).UTC()
	if k.Open, err = model.ParsePrice(open); err != nil {
		return k, err
	}
	if k.High, err = model.ParsePrice(high); err != nil {
		return k, err
	}
	if k.Low, err = model.ParsePrice(low); err != nil {
		return k, err
	}
	if k.Close, err = model.ParsePrice(closePx); err != nil {
		return k, err
	}
	if k.Volume, err = model.ParseQuantity(volume); err != nil {
		return k, err
	}
	if buyVolume != "" {
		if k.BuyVolume, err = model.ParseQuantity(buyVolume); err != nil {
			return k, err
		}
	}
	k.Trades = trades
	return k, nil
}

// Millis parses an integer millisecond timestamp.
func Millis(s string) (int64, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return ms, nil
}

// EpochTime reads archive timestamps, which venues publish in seconds with a
// fraction, milliseconds or microseconds.
func EpochTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return time.UnixMicro(int64(f * 1e6)).UTC(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	switch {
	case n > 1e17:
		return time.Unix(0, n).UTC(), nil
	case n > 1e14:
		return time.UnixMicro(n).UTC(), nil
	case n > 1e11:
		return time.UnixMilli(n).UTC(), nil
	default:
		return time.Unix(n, 0).UTC(), nil
	}
}

// Reverse puts descending venue pages into ascending order.
func Reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
