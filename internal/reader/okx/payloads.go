package okx

// Every v5 response is {"code","msg","data":[...]}; code "0" is success.
type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type bookData struct {
	Asks  [][]string `json:"asks"`
	Bids  [][]string `json:"bids"`
	Ts    string     `json:"ts"`
	SeqID int64      `json:"seqId"`
}

type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type instrumentData struct {
	InstID string `json:"instId"`
	TickSz string `json:"tickSz"`
	MinSz  string `json:"minSz"`
	CtVal  string `json:"ctVal"`
}

type openInterestData struct {
	InstID string `json:"instId"`
	Oi     string `json:"oi"`
	OiCcy  string `json:"oiCcy"`
	Ts     string `json:"ts"`
}
