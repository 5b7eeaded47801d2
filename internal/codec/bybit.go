package codec

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"depthflow/internal/model"
)

// bybit caps each subscribe request at ten args
const bybitArgsPerRequest = 10

type bybitCodec struct {
	exchange model.Exchange
	opts     Options
}

func newBybit(exchange model.Exchange, opts Options) *bybitCodec {
	return &bybitCodec{exchange: exchange, opts: opts}
}

type bybitEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	CTS     int64           `json:"cts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	ConnID  string          `json:"conn_id"`
	ReqID   string          `json:"req_id"`
}

type bybitBook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type bybitTrade struct {
	Time      int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Size      string `json:"v"`
	Price     string `json:"p"`
	Direction string `json:"L"`
	ID        string `json:"i"`
	BlockTx   bool   `json:"BT"`
}

type bybitKline struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

var bybitIntervals = map[string]model.Timeframe{
	"1": model.M1, "3": model.M3, "5": model.M5, "15": model.M15, "30": model.M30,
	"60": model.H1, "120": model.H2, "240": model.H4, "360": model.H6, "720": model.H12,
	"D": model.D1,
}

// BybitInterval returns the kline interval name Bybit uses for tf.
func BybitInterval(tf model.Timeframe) (string, bool) {
	for name, t := range bybitIntervals {
		if t == tf {
			return name, true
		}
	}
	return "", false
}

func (c *bybitCodec) Exchange() model.Exchange { return c.exchange }

func (c *bybitCodec) depth() int {
	if c.opts.DepthLevels > 0 {
		return c.opts.DepthLevels
	}
	if c.exchange.MarketKind() == model.Spot {
		return 200
	}
	return 500
}

func (c *bybitCodec) Decode(raw []byte) ([]model.Event, error) {
	var env bybitEnvelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, malformed(c.exchange, "envelope", err)
	}
	if env.Op != "" {
		return c.decodeControl(env)
	}
	if env.Topic == "" {
		return nil, malformed(c.exchange, "missing topic", nil)
	}

	channel, symbol := splitTopic(env.Topic, '.')
	inst := model.NewInstrument(c.exchange, symbol)
	switch channel {
	case "orderbook":
		return c.decodeBook(inst, env)
	case "publicTrade":
		return c.decodeTrades(inst, env)
	case "kline":
		return c.decodeKlines(inst, env)
	default:
		return nil, nil
	}
}

func (c *bybitCodec) decodeControl(env bybitEnvelope) ([]model.Event, error) {
	switch env.Op {
	case "ping", "pong":
		ts := time.Now().UTC()
		if env.TS > 0 {
			ts = time.UnixMilli(env.TS).UTC()
		}
		return []model.Event{model.Heartbeat{Exchange: c.exchange, Time: ts}}, nil
	case "auth":
		ok := env.Success != nil && *env.Success
		return []model.Event{model.AuthChallenge{Exchange: c.exchange, Success: ok, Message: env.RetMsg}}, nil
	case "subscribe", "unsubscribe":
		if env.Success != nil && !*env.Success {
			return nil, rejected(c.exchange, env.Op+": "+env.RetMsg)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (c *bybitCodec) decodeBook(inst model.Instrument, env bybitEnvelope) ([]model.Event, error) {
	var b bybitBook
	if err := sonic.Unmarshal(env.Data, &b); err != nil {
		return nil, malformed(c.exchange, "orderbook", err)
	}
	if b.Symbol != "" {
		inst = model.NewInstrument(c.exchange, b.Symbol)
	}
	bids, err := parseLevels(c.exchange, inst.Kind, c.opts.SizeInQuote, b.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(c.exchange, inst.Kind, c.opts.SizeInQuote, b.Asks)
	if err != nil {
		return nil, err
	}
	ts := time.UnixMilli(env.TS).UTC()
	// u == 1 means the service restarted and the message is a full book
	if env.Type == "snapshot" || b.Update == 1 {
		return []model.Event{model.DepthSnapshot{
			Instrument: inst,
			Seq:        b.Update,
			Bids:       bids,
			Asks:       asks,
			Time:       ts,
		}}, nil
	}
	return []model.Event{model.DepthDiff{
		Instrument: inst,
		FirstSeq:   b.Update,
		FinalSeq:   b.Update,
		PrevSeq:    model.NoSeq,
		Bids:       bids,
		Asks:       asks,
		Time:       ts,
	}}, nil
}

func (c *bybitCodec) decodeTrades(inst model.Instrument, env bybitEnvelope) ([]model.Event, error) {
	var rows []bybitTrade
	if err := sonic.Unmarshal(env.Data, &rows); err != nil {
		return nil, malformed(c.exchange, "publicTrade", err)
	}
	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		side := model.Buy
		if strings.EqualFold(r.Side, "Sell") {
			side = model.Sell
		}
		ti := inst
		if r.Symbol != "" {
			ti = model.NewInstrument(c.exchange, r.Symbol)
		}
		trade, err := parseTrade(c.exchange, ti, c.opts.SizeInQuote, r.ID, r.Price, r.Size, side, r.Time)
		if err != nil {
			return nil, err
		}
		events = append(events, model.TradeEvent{Trade: trade})
	}
	return events, nil
}

func (c *bybitCodec) decodeKlines(inst model.Instrument, env bybitEnvelope) ([]model.Event, error) {
	var rows []bybitKline
	if err := sonic.Unmarshal(env.Data, &rows); err != nil {
		return nil, malformed(c.exchange, "kline", err)
	}
	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		tf, ok := bybitIntervals[r.Interval]
		if !ok {
			return nil, malformed(c.exchange, "kline interval "+r.Interval, nil)
		}
		kl, err := parseKline(c.exchange, r.Start, r.Open, r.High, r.Low, r.Close, r.Volume, "", 0)
		if err != nil {
			return nil, err
		}
		events = append(events, model.KlineUpdate{Instrument: inst, Timeframe: tf, Kline: kl, Closed: r.Confirm})
	}
	return events, nil
}

func (c *bybitCodec) Topics(inst model.Instrument, streams StreamSet) []string {
	var topics []string
	if streams.Depth {
		topics = append(topics, "orderbook."+strconv.Itoa(c.depth())+"."+inst.Symbol)
	}
	if streams.Trades {
		topics = append(topics, "publicTrade."+inst.Symbol)
	}
	for _, tf := range streams.Klines {
		if name, ok := BybitInterval(tf); ok {
			topics = append(topics, "kline."+name+"."+inst.Symbol)
		}
	}
	return topics
}

type bybitRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (c *bybitCodec) encode(op string, topics []string) ([][]byte, error) {
	var out [][]byte
	for _, part := range chunk(topics, bybitArgsPerRequest) {
		b, err := sonic.Marshal(bybitRequest{Op: op, Args: part})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *bybitCodec) EncodeSubscribe(topics []string) ([][]byte, error) {
	return c.encode("subscribe", topics)
}

func (c *bybitCodec) EncodeUnsubscribe(topics []string) ([][]byte, error) {
	return c.encode("unsubscribe", topics)
}

func (c *bybitCodec) EncodePing() []byte { return []byte(`{"op":"ping"}`) }

// EncodeAuth signs "GET/realtime"+expires with the API secret. The request
// stays valid for ten seconds.
func (c *bybitCodec) EncodeAuth(creds model.Credentials, now time.Time) ([]byte, error) {
	if creds.Empty() {
		return nil, ErrAuthUnsupported
	}
	expires := now.Add(10 * time.Second).UnixMilli()
	exp := strconv.FormatInt(expires, 10)
	sig := SignHex(creds.Secret, "GET/realtime"+exp)
	return sonic.Marshal(struct {
		Op   string        `json:"op"`
		Args []interface{} `json:"args"`
	}{Op: "auth", Args: []interface{}{creds.APIKey, expires, sig}})
}
