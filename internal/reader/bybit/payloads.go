package bybit

// Result payloads of the v5 market endpoints, decoded from the SDK's
// generic response.

type orderbookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Ts     int64      `json:"ts"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type listResult[T any] struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	List     []T    `json:"list"`
}

type recentTrade struct {
	ExecID string `json:"execId"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Side   string `json:"side"`
	Time   string `json:"time"`
}

type instrumentInfo struct {
	Symbol      string `json:"symbol"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		MinOrderQty string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
}

type openInterestEntry struct {
	OpenInterest string `json:"openInterest"`
	Timestamp    string `json:"timestamp"`
}
