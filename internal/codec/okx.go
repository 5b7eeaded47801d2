package codec

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"depthflow/internal/model"
)

const okxArgsPerRequest = 20

type okxCodec struct {
	exchange model.Exchange
	opts     Options
}

func newOKX(exchange model.Exchange, opts Options) *okxCodec {
	return &okxCodec{exchange: exchange, opts: opts}
}

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type okxEnvelope struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    okxArg          `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type okxBook struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	TS        string     `json:"ts"`
	Checksum  int64      `json:"checksum"`
	PrevSeqID int64      `json:"prevSeqId"`
	SeqID     int64      `json:"seqId"`
}

type okxTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

var okxBars = map[string]model.Timeframe{
	"1m": model.M1, "3m": model.M3, "5m": model.M5, "15m": model.M15, "30m": model.M30,
	"1H": model.H1, "2H": model.H2, "4H": model.H4, "6Hutc": model.H6, "12Hutc": model.H12,
	"1Dutc": model.D1,
}

// OKXBar returns the OKX bar name for tf. Bars of 6h and above use the UTC
// aligned variants so buckets match the epoch alignment of Timeframe.
func OKXBar(tf model.Timeframe) (string, bool) {
	for name, t := range okxBars {
		if t == tf {
			return name, true
		}
	}
	return "", false
}

func (c *okxCodec) Exchange() model.Exchange { return c.exchange }

func (c *okxCodec) Decode(raw []byte) ([]model.Event, error) {
	switch string(raw) {
	case "pong", "ping":
		return []model.Event{model.Heartbeat{Exchange: c.exchange, Time: time.Now().UTC()}}, nil
	}

	var env okxEnvelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, malformed(c.exchange, "envelope", err)
	}
	if env.Event != "" {
		return c.decodeEvent(env)
	}
	if env.Arg.Channel == "" {
		return nil, malformed(c.exchange, "missing channel", nil)
	}

	inst := model.NewInstrument(c.exchange, env.Arg.InstID)
	switch {
	case env.Arg.Channel == "books" || env.Arg.Channel == "books50-l2-tbt" || env.Arg.Channel == "books-l2-tbt":
		return c.decodeBooks(inst, env)
	case env.Arg.Channel == "trades":
		return c.decodeTrades(inst, env)
	case strings.HasPrefix(env.Arg.Channel, "candle"):
		return c.decodeCandles(inst, env)
	default:
		return nil, nil
	}
}

func (c *okxCodec) decodeEvent(env okxEnvelope) ([]model.Event, error) {
	switch env.Event {
	case "login":
		return []model.Event{model.AuthChallenge{Exchange: c.exchange, Success: env.Code == "0", Message: env.Msg}}, nil
	case "error":
		// login failures arrive as error events with 6000x codes
		if strings.HasPrefix(env.Code, "6000") || strings.HasPrefix(env.Code, "6001") {
			return []model.Event{model.AuthChallenge{Exchange: c.exchange, Success: false, Message: env.Code + " " + env.Msg}}, nil
		}
		return nil, rejected(c.exchange, env.Code+" "+env.Msg)
	default:
		return nil, nil
	}
}

func okxMillis(ex model.Exchange, s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, malformed(ex, "timestamp", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (c *okxCodec) decodeBooks(inst model.Instrument, env okxEnvelope) ([]model.Event, error) {
	var rows []okxBook
	if err := sonic.Unmarshal(env.Data, &rows); err != nil {
		return nil, malformed(c.exchange, "books", err)
	}
	events := make([]model.Event, 0, len(rows))
	for _, b := range rows {
		bids, err := parseLevels(c.exchange, inst.Kind, c.opts.SizeInQuote, b.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := parseLevels(c.exchange, inst.Kind, c.opts.SizeInQuote, b.Asks)
		if err != nil {
			return nil, err
		}
		ts, err := okxMillis(c.exchange, b.TS)
		if err != nil {
			return nil, err
		}
		if env.Action == "snapshot" {
			events = append(events, model.DepthSnapshot{Instrument: inst, Seq: b.SeqID, Bids: bids, Asks: asks, Time: ts})
			continue
		}
		prev := b.PrevSeqID
		if prev < 0 {
			prev = model.NoSeq
		}
		events = append(events, model.DepthDiff{
			Instrument: inst,
			FirstSeq:   b.SeqID,
			FinalSeq:   b.SeqID,
			PrevSeq:    prev,
			Bids:       bids,
			Asks:       asks,
			Time:       ts,
		})
	}
	return events, nil
}

func (c *okxCodec) decodeTrades(inst model.Instrument, env okxEnvelope) ([]model.Event, error) {
	var rows []okxTrade
	if err := sonic.Unmarshal(env.Data, &rows); err != nil {
		return nil, malformed(c.exchange, "trades", err)
	}
	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		ms, err := strconv.ParseInt(r.TS, 10, 64)
		if err != nil {
			return nil, malformed(c.exchange, "trade timestamp", err)
		}
		side := model.Buy
		if r.Side == "sell" {
			side = model.Sell
		}
		trade, err := parseTrade(c.exchange, inst, c.opts.SizeInQuote, r.TradeID, r.Px, r.Sz, side, ms)
		if err != nil {
			return nil, err
		}
		events = append(events, model.TradeEvent{Trade: trade})
	}
	return events, nil
}

// candle rows are [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
func (c *okxCodec) decodeCandles(inst model.Instrument, env okxEnvelope) ([]model.Event, error) {
	tf, ok := okxBars[strings.TrimPrefix(env.Arg.Channel, "candle")]
	if !ok {
		return nil, malformed(c.exchange, "candle bar "+env.Arg.Channel, nil)
	}
	var rows [][]string
	if err := sonic.Unmarshal(env.Data, &rows); err != nil {
		return nil, malformed(c.exchange, "candle", err)
	}
	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		if len(r) < 9 {
			return nil, malformed(c.exchange, "candle row has "+strconv.Itoa(len(r))+" fields", nil)
		}
		ms, err := strconv.ParseInt(r[0], 10, 64)
		if err != nil {
			return nil, malformed(c.exchange, "candle timestamp", err)
		}
		kl, err := parseKline(c.exchange, ms, r[1], r[2], r[3], r[4], r[5], "", 0)
		if err != nil {
			return nil, err
		}
		events = append(events, model.KlineUpdate{Instrument: inst, Timeframe: tf, Kline: kl, Closed: r[8] == "1"})
	}
	return events, nil
}

// Topics are "channel:instId". Candle channels live on the business
// endpoint, so the public connection only carries books and trades.
func (c *okxCodec) Topics(inst model.Instrument, streams StreamSet) []string {
	var topics []string
	if streams.Depth {
		topics = append(topics, "books:"+inst.Symbol)
	}
	if streams.Trades {
		topics = append(topics, "trades:"+inst.Symbol)
	}
	return topics
}

type okxRequest struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

func (c *okxCodec) encode(op string, topics []string) ([][]byte, error) {
	var out [][]byte
	for _, part := range chunk(topics, okxArgsPerRequest) {
		req := okxRequest{Op: op, Args: make([]okxArg, 0, len(part))}
		for _, t := range part {
			ch, inst, _ := strings.Cut(t, ":")
			req.Args = append(req.Args, okxArg{Channel: ch, InstID: inst})
		}
		b, err := sonic.Marshal(req)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *okxCodec) EncodeSubscribe(topics []string) ([][]byte, error) {
	return c.encode("subscribe", topics)
}

func (c *okxCodec) EncodeUnsubscribe(topics []string) ([][]byte, error) {
	return c.encode("unsubscribe", topics)
}

func (c *okxCodec) EncodePing() []byte { return []byte("ping") }

func (c *okxCodec) EncodeAuth(creds model.Credentials, now time.Time) ([]byte, error) {
	if creds.Empty() || creds.Passphrase == "" {
		return nil, ErrAuthUnsupported
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := SignBase64(creds.Secret, ts+"GET"+"/users/self/verify")
	type loginArg struct {
		APIKey     string `json:"apiKey"`
		Passphrase string `json:"passphrase"`
		Timestamp  string `json:"timestamp"`
		Sign       string `json:"sign"`
	}
	return sonic.Marshal(struct {
		Op   string     `json:"op"`
		Args []loginArg `json:"args"`
	}{Op: "login", Args: []loginArg{{APIKey: creds.APIKey, Passphrase: creds.Passphrase, Timestamp: ts, Sign: sig}}})
}
