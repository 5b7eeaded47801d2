package codec

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"depthflow/internal/model"
)

type binanceCodec struct {
	exchange model.Exchange
	opts     Options
	nextID   atomic.Int64
}

func newBinance(exchange model.Exchange, opts Options) *binanceCodec {
	return &binanceCodec{exchange: exchange, opts: opts}
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// Binance keys differ only by case ("e"/"E", "u"/"U"), so every struct
// declares each colliding key explicitly to keep matching exact.
type binanceHeader struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
}

type binanceDepth struct {
	Type      string     `json:"e"`
	EventTime int64      `json:"E"`
	TxTime    int64      `json:"T"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	PrevID    *int64     `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type binanceAggTrade struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	AggID     int64  `json:"a"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	FirstID   int64  `json:"f"`
	LastID    int64  `json:"l"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
	Ignore    bool   `json:"M"`
}

type binanceKline struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		Start      int64  `json:"t"`
		End        int64  `json:"T"`
		Symbol     string `json:"s"`
		Interval   string `json:"i"`
		FirstID    int64  `json:"f"`
		LastID     int64  `json:"L"`
		Open       string `json:"o"`
		Close      string `json:"c"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Volume     string `json:"v"`
		Count      int64  `json:"n"`
		Closed     bool   `json:"x"`
		QuoteVol   string `json:"q"`
		TakerBase  string `json:"V"`
		TakerQuote string `json:"Q"`
		Ignore     string `json:"B"`
	} `json:"k"`
}

func (c *binanceCodec) Exchange() model.Exchange { return c.exchange }

func (c *binanceCodec) Decode(raw []byte) ([]model.Event, error) {
	var env binanceEnvelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, malformed(c.exchange, "envelope", err)
	}
	if env.Error != nil {
		return nil, rejected(c.exchange, strconv.Itoa(env.Error.Code)+" "+env.Error.Msg)
	}
	data := []byte(env.Data)
	if env.Stream == "" && len(data) == 0 {
		if env.ID != nil {
			// subscription ack: {"result":null,"id":1}
			return nil, nil
		}
		data = raw
	}

	var head binanceHeader
	if err := sonic.Unmarshal(data, &head); err != nil {
		return nil, malformed(c.exchange, "event header", err)
	}
	switch head.Type {
	case "depthUpdate":
		return c.decodeDepth(data)
	case "aggTrade", "trade":
		return c.decodeTrade(data)
	case "kline":
		return c.decodeKline(data)
	case "":
		return nil, malformed(c.exchange, "missing event type", nil)
	default:
		return nil, nil
	}
}

func (c *binanceCodec) decodeDepth(data []byte) ([]model.Event, error) {
	var d binanceDepth
	if err := sonic.Unmarshal(data, &d); err != nil {
		return nil, malformed(c.exchange, "depthUpdate", err)
	}
	if d.Symbol == "" || d.FinalID < d.FirstID {
		return nil, malformed(c.exchange, "depthUpdate ids", nil)
	}
	inst := model.NewInstrument(c.exchange, d.Symbol)
	bids, err := parseLevels(c.exchange, inst.Kind, c.opts.SizeInQuote, d.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(c.exchange, inst.Kind, c.opts.SizeInQuote, d.Asks)
	if err != nil {
		return nil, err
	}
	prev := model.NoSeq
	if d.PrevID != nil {
		prev = *d.PrevID
	}
	return []model.Event{model.DepthDiff{
		Instrument: inst,
		FirstSeq:   d.FirstID,
		FinalSeq:   d.FinalID,
		PrevSeq:    prev,
		Bids:       bids,
		Asks:       asks,
		Time:       time.UnixMilli(d.EventTime).UTC(),
	}}, nil
}

func (c *binanceCodec) decodeTrade(data []byte) ([]model.Event, error) {
	var t binanceAggTrade
	if err := sonic.Unmarshal(data, &t); err != nil {
		return nil, malformed(c.exchange, "aggTrade", err)
	}
	if t.Symbol == "" {
		return nil, malformed(c.exchange, "aggTrade symbol", nil)
	}
	side := model.Buy
	if t.Maker {
		side = model.Sell
	}
	inst := model.NewInstrument(c.exchange, t.Symbol)
	trade, err := parseTrade(c.exchange, inst, c.opts.SizeInQuote, strconv.FormatInt(t.AggID, 10), t.Price, t.Qty, side, t.TradeTime)
	if err != nil {
		return nil, err
	}
	return []model.Event{model.TradeEvent{Trade: trade}}, nil
}

func (c *binanceCodec) decodeKline(data []byte) ([]model.Event, error) {
	var k binanceKline
	if err := sonic.Unmarshal(data, &k); err != nil {
		return nil, malformed(c.exchange, "kline", err)
	}
	tf, err := model.ParseTimeframe(k.K.Interval)
	if err != nil {
		return nil, malformed(c.exchange, "kline interval", err)
	}
	kl, err := parseKline(c.exchange, k.K.Start, k.K.Open, k.K.High, k.K.Low, k.K.Close, k.K.Volume, k.K.TakerBase, k.K.Count)
	if err != nil {
		return nil, err
	}
	return []model.Event{model.KlineUpdate{
		Instrument: model.NewInstrument(c.exchange, k.Symbol),
		Timeframe:  tf,
		Kline:      kl,
		Closed:     k.K.Closed,
	}}, nil
}

func (c *binanceCodec) Topics(inst model.Instrument, streams StreamSet) []string {
	sym := strings.ToLower(inst.Symbol)
	var topics []string
	if streams.Depth {
		topics = append(topics, sym+"@depth@100ms")
	}
	if streams.Trades {
		topics = append(topics, sym+"@aggTrade")
	}
	for _, tf := range streams.Klines {
		if tf.IsHeatmap() {
			continue
		}
		topics = append(topics, sym+"@kline_"+tf.String())
	}
	return topics
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (c *binanceCodec) encode(method string, topics []string) ([][]byte, error) {
	var out [][]byte
	for _, part := range chunk(topics, 200) {
		b, err := sonic.Marshal(binanceRequest{Method: method, Params: part, ID: c.nextID.Add(1)})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *binanceCodec) EncodeSubscribe(topics []string) ([][]byte, error) {
	return c.encode("SUBSCRIBE", topics)
}

func (c *binanceCodec) EncodeUnsubscribe(topics []string) ([][]byte, error) {
	return c.encode("UNSUBSCRIBE", topics)
}

func (c *binanceCodec) EncodePing() []byte { return nil }

func (c *binanceCodec) EncodeAuth(model.Credentials, time.Time) ([]byte, error) {
	return nil, ErrAuthUnsupported
}
