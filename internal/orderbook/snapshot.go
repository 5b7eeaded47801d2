package orderbook

import (
	"time"

	"github.com/shopspring/decimal"

	"depthflow/internal/model"
)

// Snapshot is an immutable published view of a book. Bids are sorted by
// descending price and asks by ascending price. Only a Live snapshot
// reflects the venue's current book.
type Snapshot struct {
	Instrument model.Instrument
	State      State
	Seq        int64
	Version    uint64
	Bids       []model.DepthLevel
	Asks       []model.DepthLevel
	Time       time.Time
	Resyncs    int
	LastError  error
}

func (s Snapshot) Live() bool { return s.State == Live }

func (s Snapshot) BestBid() (model.DepthLevel, bool) {
	if len(s.Bids) == 0 {
		return model.DepthLevel{}, false
	}
	return s.Bids[0], true
}

func (s Snapshot) BestAsk() (model.DepthLevel, bool) {
	if len(s.Asks) == 0 {
		return model.DepthLevel{}, false
	}
	return s.Asks[0], true
}

// Mid is the midpoint of the best bid and ask.
func (s Snapshot) Mid() (decimal.Decimal, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Price.Decimal().Add(ask.Price.Decimal()).Div(decimal.NewFromInt(2)), true
}

// Levels returns the book as price -> quantity maps.
func (s Snapshot) Levels() (bids, asks map[model.Price]decimal.Decimal) {
	bids = make(map[model.Price]decimal.Decimal, len(s.Bids))
	asks = make(map[model.Price]decimal.Decimal, len(s.Asks))
	for _, l := range s.Bids {
		bids[l.Price] = l.Qty
	}
	for _, l := range s.Asks {
		asks[l.Price] = l.Qty
	}
	return bids, asks
}
