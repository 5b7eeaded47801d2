// Package codec translates exchange wire messages to and from the
// normalized model.Event union. Decoders are pure: they never block, log or
// perform I/O, so they can run on the connection read path.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"depthflow/internal/model"
)

var (
	// ErrMalformed marks payloads that could not be parsed. Callers drop the
	// frame and log a warning.
	ErrMalformed = errors.New("malformed payload")
	// ErrRejected marks venue error replies such as a refused subscription.
	ErrRejected = errors.New("request rejected by venue")
	// ErrUnsupported is returned for exchanges without a streaming codec.
	ErrUnsupported = errors.New("exchange has no streaming codec")
	// ErrAuthUnsupported is returned when a venue has no HMAC websocket login.
	ErrAuthUnsupported = errors.New("authenticated websocket channels not supported")
)

// CodecError wraps a decode or encode failure with the exchange it came from.
// errors.Is matches both the kind (ErrMalformed, ErrRejected) and the cause.
type CodecError struct {
	Exchange model.Exchange
	Kind     error
	Reason   string
	Cause    error
}

func (e *CodecError) Error() string {
	msg := fmt.Sprintf("codec %s: %v: %s", e.Exchange.Key(), e.Kind, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func malformed(ex model.Exchange, reason string, cause error) error {
	return &CodecError{Exchange: ex, Kind: ErrMalformed, Reason: reason, Cause: cause}
}

func rejected(ex model.Exchange, reason string) error {
	return &CodecError{Exchange: ex, Kind: ErrRejected, Reason: reason}
}

// StreamSet selects which public streams to subscribe for an instrument.
type StreamSet struct {
	Depth  bool
	Trades bool
	Klines []model.Timeframe
}

// DefaultStreams is depth plus trades, the set every subscription needs.
var DefaultStreams = StreamSet{Depth: true, Trades: true}

// Options tune decoding for one exchange connector.
type Options struct {
	// SizeInQuote reports trade and level sizes in quote currency.
	SizeInQuote bool
	// DepthLevels overrides the venue's default order book topic depth.
	DepthLevels int
}

// Codec is implemented once per exchange family.
type Codec interface {
	Exchange() model.Exchange
	// Decode converts one frame into zero or more events. Acks and other
	// control replies decode to no events.
	Decode(raw []byte) ([]model.Event, error)
	Topics(inst model.Instrument, streams StreamSet) []string
	EncodeSubscribe(topics []string) ([][]byte, error)
	EncodeUnsubscribe(topics []string) ([][]byte, error)
	// EncodePing returns the application level ping, or nil when the venue
	// expects websocket control pings.
	EncodePing() []byte
	EncodeAuth(creds model.Credentials, now time.Time) ([]byte, error)
}

// New returns the codec for exchange.
func New(exchange model.Exchange, opts Options) (Codec, error) {
	switch exchange.Venue() {
	case model.VenueBinance:
		return newBinance(exchange, opts), nil
	case model.VenueBybit:
		return newBybit(exchange, opts), nil
	case model.VenueOKX:
		return newOKX(exchange, opts), nil
	default:
		return nil, fmt.Errorf("%s: %w", exchange, ErrUnsupported)
	}
}

// Decode is a convenience for one-off decoding with default options.
func Decode(exchange model.Exchange, raw []byte) ([]model.Event, error) {
	c, err := New(exchange, Options{})
	if err != nil {
		return nil, err
	}
	return c.Decode(raw)
}

// EncodeSubscribe builds the subscribe frames for instruments on exchange.
func EncodeSubscribe(exchange model.Exchange, instruments []model.Instrument, streams StreamSet) ([][]byte, error) {
	c, err := New(exchange, Options{})
	if err != nil {
		return nil, err
	}
	var topics []string
	for _, inst := range instruments {
		if inst.Exchange != exchange {
			return nil, fmt.Errorf("instrument %s does not belong to %s", inst, exchange)
		}
		topics = append(topics, c.Topics(inst, streams)...)
	}
	return c.EncodeSubscribe(topics)
}

func chunk(topics []string, size int) [][]string {
	if size <= 0 || len(topics) <= size {
		return [][]string{topics}
	}
	var out [][]string
	for len(topics) > size {
		out = append(out, topics[:size])
		topics = topics[size:]
	}
	if len(topics) > 0 {
		out = append(out, topics)
	}
	return out
}

func parseLevels(ex model.Exchange, kind model.MarketKind, sizeInQuote bool, raw [][]string) ([]model.DepthLevel, error) {
	levels := make([]model.DepthLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			return nil, malformed(ex, "depth level needs price and size", nil)
		}
		price, err := model.ParsePrice(row[0])
		if err != nil {
			return nil, malformed(ex, "depth price", err)
		}
		qty, err := model.ParseQuantity(row[1])
		if err != nil {
			return nil, malformed(ex, "depth size", err)
		}
		if sizeInQuote {
			qty = kind.QuoteValue(qty, price)
		}
		levels = append(levels, model.DepthLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

func parseTrade(ex model.Exchange, inst model.Instrument, sizeInQuote bool, id, price, size string, side model.Side, ms int64) (model.Trade, error) {
	p, err := model.ParsePrice(price)
	if err != nil {
		return model.Trade{}, malformed(ex, "trade price", err)
	}
	q, err := model.ParseQuantity(size)
	if err != nil {
		return model.Trade{}, malformed(ex, "trade size", err)
	}
	if sizeInQuote {
		q = inst.Kind.QuoteValue(q, p)
	}
	return model.Trade{
		Instrument: inst,
		ID:         id,
		Price:      p,
		Qty:        q,
		Side:       side,
		Time:       time.UnixMilli(ms).UTC(),
	}, nil
}

func parseKline(ex model.Exchange, openMs int64, open, high, low, closePx, volume, buyVolume string, trades int64) (model.Kline, error) {
	var k model.Kline
	var err error
	k.OpenTime = time.UnixMilli(openMs).UTC()
	if k.Open, err = model.ParsePrice(open); err != nil {
		return k, malformed(ex, "kline open", err)
	}
	if k.High, err = model.ParsePrice(high); err != nil {
		return k, malformed(ex, "kline high", err)
	}
	if k.Low, err = model.ParsePrice(low); err != nil {
		return k, malformed(ex, "kline low", err)
	}
	if k.Close, err = model.ParsePrice(closePx); err != nil {
		return k, malformed(ex, "kline close", err)
	}
	if k.Volume, err = model.ParseQuantity(volume); err != nil {
		return k, malformed(ex, "kline volume", err)
	}
	if buyVolume != "" {
		if k.BuyVolume, err = model.ParseQuantity(buyVolume); err != nil {
			return k, malformed(ex, "kline taker volume", err)
		}
	}
	k.Trades = trades
	return k, nil
}

// splitTopic returns the part before the first separator and the part after
// the last one, e.g. "orderbook.500.BTCUSDT" -> ("orderbook", "BTCUSDT").
func splitTopic(topic string, sep byte) (string, string) {
	first := strings.IndexByte(topic, sep)
	last := strings.LastIndexByte(topic, sep)
	if first < 0 {
		return topic, ""
	}
	return topic[:first], topic[last+1:]
}
