package dashboard

import (
	"time"

	"depthflow/internal/aggregator"
	"depthflow/internal/connection"
	"depthflow/internal/model"
	"depthflow/internal/orderbook"
)

// Prices and quantities are rendered as decimal strings so no precision is
// lost on the way to the client.

type levelView [2]string

type bookView struct {
	Instrument string      `json:"instrument"`
	State      string      `json:"state"`
	Seq        int64       `json:"seq"`
	Version    uint64      `json:"version"`
	Time       time.Time   `json:"time"`
	Resyncs    int         `json:"resyncs"`
	LastError  string      `json:"last_error,omitempty"`
	Bids       []levelView `json:"bids"`
	Asks       []levelView `json:"asks"`
}

func newBookView(s orderbook.Snapshot, depth int) bookView {
	v := bookView{
		Instrument: s.Instrument.String(),
		State:      s.State.String(),
		Seq:        s.Seq,
		Version:    s.Version,
		Time:       s.Time,
		Resyncs:    s.Resyncs,
		Bids:       levels(s.Bids, depth),
		Asks:       levels(s.Asks, depth),
	}
	if s.LastError != nil {
		v.LastError = s.LastError.Error()
	}
	return v
}

func levels(in []model.DepthLevel, depth int) []levelView {
	if depth > 0 && len(in) > depth {
		in = in[:depth]
	}
	out := make([]levelView, len(in))
	for i, l := range in {
		out[i] = levelView{l.Price.String(), l.Qty.String()}
	}
	return out
}

type footprintView struct {
	Price string `json:"price"`
	Buy   string `json:"buy"`
	Sell  string `json:"sell"`
}

type candleView struct {
	OpenTime   time.Time       `json:"open_time"`
	Open       string          `json:"open"`
	High       string          `json:"high"`
	Low        string          `json:"low"`
	Close      string          `json:"close"`
	Volume     string          `json:"volume"`
	BuyVolume  string          `json:"buy_volume"`
	SellVolume string          `json:"sell_volume"`
	Trades     int64           `json:"trades"`
	Closed     bool            `json:"closed"`
	Filled     bool            `json:"filled"`
	POC        string          `json:"poc,omitempty"`
	NakedPOC   string          `json:"naked_poc,omitempty"`
	Footprint  []footprintView `json:"footprint,omitempty"`
}

func newCandleView(c model.Candle, footprint bool) candleView {
	v := candleView{
		OpenTime:   c.OpenTime,
		Open:       c.Open.String(),
		High:       c.High.String(),
		Low:        c.Low.String(),
		Close:      c.Close.String(),
		Volume:     c.Volume.String(),
		BuyVolume:  c.BuyVolume.String(),
		SellVolume: c.SellVolume.String(),
		Trades:     c.Trades,
		Closed:     c.Closed,
		Filled:     c.Filled,
	}
	if c.POC != nil {
		v.POC = c.POC.String()
		v.NakedPOC = c.NakedPOC.String()
	}
	if footprint {
		v.Footprint = make([]footprintView, len(c.Footprint))
		for i, cell := range c.Footprint {
			v.Footprint[i] = footprintView{Price: cell.Price.String(), Buy: cell.BuyVolume.String(), Sell: cell.SellVolume.String()}
		}
	}
	return v
}

type tradeView struct {
	ID    string    `json:"id"`
	Price string    `json:"price"`
	Qty   string    `json:"qty"`
	Side  string    `json:"side"`
	Time  time.Time `json:"time"`
}

func newTradeView(t model.Trade) tradeView {
	return tradeView{ID: t.ID, Price: t.Price.String(), Qty: t.Qty.String(), Side: t.Side.String(), Time: t.Time}
}

type heatmapView struct {
	Time       time.Time   `json:"time"`
	Bids       []levelView `json:"bids"`
	Asks       []levelView `json:"asks"`
	BuyVolume  string      `json:"buy_volume"`
	SellVolume string      `json:"sell_volume"`
}

func newHeatmapView(col aggregator.HeatmapColumn) heatmapView {
	return heatmapView{
		Time:       col.Time,
		Bids:       levels(col.Bids, 0),
		Asks:       levels(col.Asks, 0),
		BuyVolume:  col.BuyVolume.String(),
		SellVolume: col.SellVolume.String(),
	}
}

type connectionView struct {
	Connection    string    `json:"connection"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	Sessions      int       `json:"sessions"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastConnected time.Time `json:"last_connected"`
	Topics        int       `json:"topics"`
	Error         string    `json:"error,omitempty"`
}

func newConnectionView(s connection.Status) connectionView {
	v := connectionView{
		Connection:    s.Key.String(),
		State:         s.State.String(),
		Attempts:      s.Attempts,
		Sessions:      s.Sessions,
		LastHeartbeat: s.LastHeartbeat,
		LastConnected: s.LastConnected,
		Topics:        len(s.Topics),
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}
