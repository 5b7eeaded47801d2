package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"depthflow/internal/model"
)

// side is one half of the book keyed by exact price. The best price is kept
// current on every change so crossing checks do not walk the map.
type side struct {
	levels map[model.Price]decimal.Decimal
	bids   bool
	best   model.Price
	ok     bool
}

func newSide(bids bool, capacity int) *side {
	return &side{levels: make(map[model.Price]decimal.Decimal, capacity), bids: bids}
}

// better reports whether a is closer to the touch than b.
func (s *side) better(a, b model.Price) bool {
	if s.bids {
		return a > b
	}
	return a < b
}

func (s *side) apply(levels []model.DepthLevel) {
	for _, l := range levels {
		if l.Qty.Sign() <= 0 {
			delete(s.levels, l.Price)
			continue
		}
		s.levels[l.Price] = l.Qty
	}

	if s.ok {
		if _, ok := s.levels[s.best]; !ok {
			s.rescan()
			return
		}
	}
	for _, l := range levels {
		if l.Qty.Sign() > 0 && (!s.ok || s.better(l.Price, s.best)) {
			s.best, s.ok = l.Price, true
		}
	}
}

func (s *side) rescan() {
	s.ok = false
	for p := range s.levels {
		if !s.ok || s.better(p, s.best) {
			s.best, s.ok = p, true
		}
	}
}

// bestAfter is the best price once levels are applied. Only a removed best
// needs a walk of the map.
func (s *side) bestAfter(levels []model.DepthLevel) (model.Price, bool) {
	best, ok := s.best, s.ok
	bestRemoved := false
	for _, l := range levels {
		if ok && l.Price == best && l.Qty.Sign() <= 0 {
			bestRemoved = true
		}
	}
	if bestRemoved {
		touched := make(map[model.Price]bool, len(levels))
		for _, l := range levels {
			touched[l.Price] = true
		}
		ok = false
		for p := range s.levels {
			if !touched[p] && (!ok || s.better(p, best)) {
				best, ok = p, true
			}
		}
	}
	for _, l := range levels {
		if l.Qty.Sign() > 0 && (!ok || s.better(l.Price, best)) {
			best, ok = l.Price, true
		}
	}
	return best, ok
}

func (s *side) sorted(depth int) []model.DepthLevel {
	out := make([]model.DepthLevel, 0, len(s.levels))
	for p, q := range s.levels {
		out = append(out, model.DepthLevel{Price: p, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return s.better(out[i].Price, out[j].Price) })
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// trim keeps the limit levels closest to the touch once the side holds
// twice that many, so the sort is paid once per limit inserts.
func (s *side) trim(limit int) int {
	if limit <= 0 || len(s.levels) <= 2*limit {
		return 0
	}
	keep := s.sorted(limit)
	dropped := len(s.levels) - len(keep)
	s.levels = make(map[model.Price]decimal.Decimal, 2*limit)
	for _, l := range keep {
		s.levels[l.Price] = l.Qty
	}
	return dropped
}

// book holds both sides. Levels are sorted only when a snapshot is
// published.
type book struct {
	bids *side
	asks *side
}

func newBook() *book {
	return &book{bids: newSide(true, 0), asks: newSide(false, 0)}
}

func (b *book) reset(bids, asks []model.DepthLevel) {
	b.bids = newSide(true, len(bids))
	b.asks = newSide(false, len(asks))
	b.apply(bids, asks)
}

func (b *book) apply(bids, asks []model.DepthLevel) {
	b.bids.apply(bids)
	b.asks.apply(asks)
}

// wouldCross reports whether applying the levels would leave best bid >= best
// ask. It does not mutate the book.
func (b *book) wouldCross(bids, asks []model.DepthLevel) bool {
	bestBid, okBid := b.bids.bestAfter(bids)
	bestAsk, okAsk := b.asks.bestAfter(asks)
	return okBid && okAsk && bestBid >= bestAsk
}

// trim bounds each side to limit levels around the touch and returns the
// number of levels dropped.
func (b *book) trim(limit int) int {
	return b.bids.trim(limit) + b.asks.trim(limit)
}

func (b *book) levels(depth int) (bids, asks []model.DepthLevel) {
	return b.bids.sorted(depth), b.asks.sorted(depth)
}
