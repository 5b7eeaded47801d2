package aggregator

import (
	"sort"

	"depthflow/internal/model"
)

// footprint accumulates buy/sell volume per price bin for one candle.
type footprint struct {
	step  model.PriceStep
	cells map[model.Price]*model.FootprintCell
}

func newFootprint(step model.PriceStep) *footprint {
	return &footprint{step: step, cells: make(map[model.Price]*model.FootprintCell)}
}

func (f *footprint) add(t model.Trade) {
	bin := t.Price.RoundToStep(f.step)
	cell, ok := f.cells[bin]
	if !ok {
		cell = &model.FootprintCell{Price: bin}
		f.cells[bin] = cell
	}
	if t.IsSell() {
		cell.SellVolume = cell.SellVolume.Add(t.Qty)
	} else {
		cell.BuyVolume = cell.BuyVolume.Add(t.Qty)
	}
}

// sorted returns a copy of the cells in ascending price order.
func (f *footprint) sorted() []model.FootprintCell {
	out := make([]model.FootprintCell, 0, len(f.cells))
	for _, c := range f.cells {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// pointOfControl is the bin with the most total volume. Ties go to the lower
// price.
func pointOfControl(cells []model.FootprintCell) (model.Price, bool) {
	var (
		best  model.Price
		found bool
		most  model.Quantity
	)
	for _, c := range cells {
		total := c.Total()
		if !found || total.GreaterThan(most) {
			best, most, found = c.Price, total, true
		}
	}
	return best, found
}

// markNakedPOC sets NakedPOC and FilledAt on every candle with a point of
// control. A POC is filled by the first later candle whose stepped range
// covers it and stays naked while no later candle has.
func markNakedPOC(candles []model.Candle, step model.PriceStep) {
	for i := range candles {
		poc := candles[i].POC
		candles[i].NakedPOC = model.NPOCNone
		candles[i].FilledAt = 0
		if poc == nil {
			continue
		}
		for j := i + 1; j < len(candles); j++ {
			next := candles[j]
			low := next.Low.FloorToStep(step)
			high := next.High.CeilToStep(step)
			if low <= *poc && high >= *poc {
				candles[i].NakedPOC = model.NPOCFilled
				candles[i].FilledAt = j - i
				break
			}
			candles[i].NakedPOC = model.NPOCNaked
		}
	}
}
