package aggregator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"depthflow/internal/model"
	"depthflow/internal/orderbook"
)

// HeatmapColumn is one heatmap bucket: the binned top of book sampled during
// the bucket and the traded volume inside it.
type HeatmapColumn struct {
	Time       time.Time
	Bids       []model.DepthLevel
	Asks       []model.DepthLevel
	BuyVolume  model.Quantity
	SellVolume model.Quantity
}

// Heatmap keeps the most recent columns of one sub-second timeframe.
type Heatmap struct {
	tf    model.Timeframe
	step  model.PriceStep
	depth int
	limit int

	columns []HeatmapColumn
}

func newHeatmap(tf model.Timeframe, opts Options) *Heatmap {
	return &Heatmap{tf: tf, step: opts.Step, depth: opts.HeatmapDepth, limit: opts.HeatmapLimit}
}

func (h *Heatmap) Timeframe() model.Timeframe { return h.tf }

// column returns the column for start, appending it when it is newer than
// every retained column. Older missing columns are not recreated.
func (h *Heatmap) column(start time.Time) *HeatmapColumn {
	n := len(h.columns)
	if n == 0 || start.After(h.columns[n-1].Time) {
		h.columns = append(h.columns, HeatmapColumn{Time: start, BuyVolume: decimal.Zero, SellVolume: decimal.Zero})
		if h.limit > 0 && len(h.columns) > h.limit {
			h.columns = append(h.columns[:0], h.columns[len(h.columns)-h.limit:]...)
		}
		return &h.columns[len(h.columns)-1]
	}
	i := sort.Search(n, func(i int) bool { return !h.columns[i].Time.Before(start) })
	if i < n && h.columns[i].Time.Equal(start) {
		return &h.columns[i]
	}
	return nil
}

func (h *Heatmap) AddTrade(t model.Trade) {
	col := h.column(h.tf.BucketStart(t.Time))
	if col == nil {
		return
	}
	if t.IsSell() {
		col.SellVolume = col.SellVolume.Add(t.Qty)
	} else {
		col.BuyVolume = col.BuyVolume.Add(t.Qty)
	}
}

// Sample records the binned book for the bucket containing now. Books that
// are not Live are skipped.
func (h *Heatmap) Sample(snap orderbook.Snapshot, now time.Time) {
	if !snap.Live() {
		return
	}
	col := h.column(h.tf.BucketStart(now))
	if col == nil {
		return
	}
	col.Bids = binLevels(snap.Bids, h.step, true, h.depth)
	col.Asks = binLevels(snap.Asks, h.step, false, h.depth)
}

func (h *Heatmap) Columns() []HeatmapColumn {
	out := make([]HeatmapColumn, len(h.columns))
	copy(out, h.columns)
	return out
}

// binLevels groups levels, sorted from the touch outwards, into step-wide
// bins and keeps the depth bins closest to the touch. It stops reading once
// depth bins are complete.
func binLevels(levels []model.DepthLevel, step model.PriceStep, bids bool, depth int) []model.DepthLevel {
	var out []model.DepthLevel
	for _, l := range levels {
		bin := l.Price.SideStep(bids, step)
		if n := len(out); n > 0 && out[n-1].Price == bin {
			out[n-1].Qty = out[n-1].Qty.Add(l.Qty)
			continue
		}
		if depth > 0 && len(out) == depth {
			break
		}
		out = append(out, model.DepthLevel{Price: bin, Qty: l.Qty})
	}
	return out
}
