package orderbook

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthflow/internal/model"
)

var btc = model.NewInstrument(model.BinanceLinear, "BTCUSDT")

func lvl(price, qty string) model.DepthLevel {
	return model.DepthLevel{Price: model.MustPrice(price), Qty: decimal.RequireFromString(qty)}
}

func diff(first, final, prev int64, bids, asks []model.DepthLevel) model.DepthDiff {
	return model.DepthDiff{Instrument: btc, FirstSeq: first, FinalSeq: final, PrevSeq: prev, Bids: bids, Asks: asks}
}

type requests struct{ n int }

func (r *requests) request(model.Instrument) { r.n++ }

func newTestBook(t *testing.T) (*Reconstructor, *requests) {
	t.Helper()
	req := &requests{}
	return New(btc, req.request, Options{Clock: clock.NewMock()}), req
}

func assertSide(t *testing.T, got []model.DepthLevel, want map[string]string) {
	t.Helper()
	require.Len(t, got, len(want))
	for _, l := range got {
		q, ok := want[l.Price.String()]
		require.True(t, ok, "unexpected level %s", l.Price)
		assert.True(t, l.Qty.Equal(decimal.RequireFromString(q)), "qty at %s: got %s want %s", l.Price, l.Qty, q)
	}
}

func TestSnapshotThenDiffRemovesLevel(t *testing.T) {
	r, _ := newTestBook(t)

	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{
		Instrument: btc,
		Seq:        10,
		Bids:       []model.DepthLevel{lvl("100.0", "2"), lvl("99.5", "1")},
		Asks:       []model.DepthLevel{lvl("100.5", "3")},
	}))
	require.NoError(t, r.ApplyDiff(diff(11, 11, model.NoSeq, []model.DepthLevel{lvl("99.5", "0")}, nil)))

	snap := r.Snapshot()
	assert.Equal(t, Live, snap.State)
	assert.Equal(t, int64(11), snap.Seq)
	assertSide(t, snap.Bids, map[string]string{"100": "2"})
	assertSide(t, snap.Asks, map[string]string{"100.5": "3"})
}

func TestColdDiffBuffersAndRequestsSnapshot(t *testing.T) {
	r, req := newTestBook(t)

	require.NoError(t, r.ApplyDiff(diff(5, 8, model.NoSeq, []model.DepthLevel{lvl("10", "1")}, nil)))
	require.NoError(t, r.ApplyDiff(diff(9, 12, 8, []model.DepthLevel{lvl("11", "2")}, nil)))
	require.NoError(t, r.ApplyDiff(diff(13, 15, 12, []model.DepthLevel{lvl("10", "0")}, nil)))

	assert.Equal(t, Syncing, r.State())
	assert.Equal(t, 1, req.n)
	assert.Equal(t, 3, r.Buffered())
	assert.Equal(t, Syncing, r.Snapshot().State)

	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{
		Instrument: btc,
		Seq:        10,
		Bids:       []model.DepthLevel{lvl("10", "4")},
		Asks:       []model.DepthLevel{lvl("20", "1")},
	}))

	snap := r.Snapshot()
	assert.Equal(t, Live, snap.State)
	assert.Equal(t, int64(15), snap.Seq)
	assertSide(t, snap.Bids, map[string]string{"11": "2"})
	assert.Zero(t, r.Buffered())
}

func TestReconnectDiscardsDiffsCoveredBySnapshot(t *testing.T) {
	r, req := newTestBook(t)
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 50, Bids: []model.DepthLevel{lvl("100", "1")}}))
	require.Equal(t, Live, r.State())

	r.MarkStale("connection reset")
	assert.Equal(t, Stale, r.Snapshot().State)
	assert.Equal(t, 1, req.n)

	for seq := int64(60); seq <= 80; seq += 5 {
		require.NoError(t, r.ApplyDiff(diff(seq-4, seq, model.NoSeq, []model.DepthLevel{lvl("90", "9")}, nil)))
	}
	require.Equal(t, 5, r.Buffered())

	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{
		Instrument: btc,
		Seq:        80,
		Bids:       []model.DepthLevel{lvl("101", "1")},
		Asks:       []model.DepthLevel{lvl("102", "1")},
	}))

	snap := r.Snapshot()
	assert.Equal(t, Live, snap.State)
	assert.Equal(t, int64(80), snap.Seq)
	assertSide(t, snap.Bids, map[string]string{"101": "1"})
	assert.Zero(t, r.Buffered())
}

func TestGapMovesToStaleWithoutMutation(t *testing.T) {
	r, req := newTestBook(t)
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 10, Bids: []model.DepthLevel{lvl("100", "2")}}))
	require.NoError(t, r.ApplyDiff(diff(11, 11, model.NoSeq, []model.DepthLevel{lvl("99", "1")}, nil)))
	before := r.Snapshot()

	err := r.ApplyDiff(diff(14, 15, model.NoSeq, []model.DepthLevel{lvl("100", "0")}, nil))
	var gap *SequenceGapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, int64(11), gap.Cursor)

	after := r.Snapshot()
	assert.Equal(t, Stale, after.State)
	assert.Equal(t, before.Bids, after.Bids)
	assert.Equal(t, int64(11), after.Seq)
	assert.Equal(t, 1, after.Resyncs)
	assert.Nil(t, after.LastError)
	assert.Equal(t, 1, req.n)
}

func TestPrevSeqChainIsEnforced(t *testing.T) {
	r, _ := newTestBook(t)
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 100}))
	require.NoError(t, r.ApplyDiff(diff(95, 105, 90, []model.DepthLevel{lvl("1", "1")}, nil)))
	require.NoError(t, r.ApplyDiff(diff(106, 110, 105, []model.DepthLevel{lvl("2", "1")}, nil)))

	err := r.ApplyDiff(diff(111, 115, 109, nil, nil))
	var gap *SequenceGapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, int64(109), gap.PrevSeq)
	assert.Equal(t, Stale, r.State())
}

func TestChainedSeqBridgesOnPrev(t *testing.T) {
	okx := model.NewInstrument(model.OKXSpot, "BTC-USDT")
	r := New(okx, nil, Options{})
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: okx, Seq: 123}))
	require.NoError(t, r.ApplyDiff(model.DepthDiff{Instrument: okx, FirstSeq: 130, FinalSeq: 130, PrevSeq: 123,
		Asks: []model.DepthLevel{lvl("5", "1")}}))
	require.NoError(t, r.ApplyDiff(model.DepthDiff{Instrument: okx, FirstSeq: 131, FinalSeq: 131, PrevSeq: 130}))
	assert.Equal(t, int64(131), r.Cursor())
	assert.Equal(t, Live, r.State())
}

func TestDuplicateDiffIgnored(t *testing.T) {
	r, req := newTestBook(t)
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 10, Bids: []model.DepthLevel{lvl("1", "1")}}))
	require.NoError(t, r.ApplyDiff(diff(11, 12, model.NoSeq, []model.DepthLevel{lvl("1", "3")}, nil)))
	require.NoError(t, r.ApplyDiff(diff(11, 12, model.NoSeq, []model.DepthLevel{lvl("1", "7")}, nil)))

	assertSide(t, r.Snapshot().Bids, map[string]string{"1": "3"})
	assert.Equal(t, 0, req.n)
}

func TestCrossedBookTriggersResync(t *testing.T) {
	r, req := newTestBook(t)
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 1,
		Bids: []model.DepthLevel{lvl("100", "1")}, Asks: []model.DepthLevel{lvl("101", "1")}}))

	err := r.ApplyDiff(diff(2, 2, model.NoSeq, []model.DepthLevel{lvl("101.5", "1")}, nil))
	require.ErrorIs(t, err, ErrCrossed)
	assert.Equal(t, Stale, r.State())
	assertSide(t, r.Snapshot().Bids, map[string]string{"100": "1"})
	assert.Equal(t, 1, req.n)
}

func TestRepeatedResyncsSurfaceLastError(t *testing.T) {
	req := &requests{}
	r := New(btc, req.request, Options{ResyncAlert: 2})
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 10}))

	require.Error(t, r.ApplyDiff(diff(20, 20, model.NoSeq, nil, nil)))
	assert.Nil(t, r.Snapshot().LastError)

	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 30}))
	require.Error(t, r.ApplyDiff(diff(40, 40, model.NoSeq, nil, nil)))
	assert.Error(t, r.Snapshot().LastError)

	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 50}))
	require.NoError(t, r.ApplyDiff(diff(51, 51, model.NoSeq, nil, nil)))
	assert.Nil(t, r.Snapshot().LastError)
	assert.Equal(t, 2, r.Snapshot().Resyncs)
}

func TestSnapshotFailedKeepsStaleBookAndRetries(t *testing.T) {
	r, req := newTestBook(t)
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 10, Bids: []model.DepthLevel{lvl("1", "1")}}))
	r.MarkStale("overflow")
	r.SnapshotFailed(errors.New("timeout"))

	snap := r.Snapshot()
	assert.Equal(t, Stale, snap.State)
	assertSide(t, snap.Bids, map[string]string{"1": "1"})
	assert.Equal(t, 2, req.n)

	cold, coldReq := newTestBook(t)
	cold.SnapshotFailed(errors.New("timeout"))
	assert.Equal(t, Syncing, cold.State())
	assert.Equal(t, 1, coldReq.n)
}

func TestTrackDepthBoundsBook(t *testing.T) {
	r := New(btc, nil, Options{TrackDepth: 5})
	var bids, asks []model.DepthLevel
	for i := 0; i < 5; i++ {
		bids = append(bids, model.DepthLevel{Price: model.Price(int64(100-i) * 1e8), Qty: decimal.NewFromInt(1)})
		asks = append(asks, model.DepthLevel{Price: model.Price(int64(101+i) * 1e8), Qty: decimal.NewFromInt(1)})
	}
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 1, Bids: bids, Asks: asks}))

	// Levels far below the touch pile up until the side is trimmed.
	for i := 0; i < 20; i++ {
		far := model.DepthLevel{Price: model.Price(int64(50-i) * 1e8), Qty: decimal.NewFromInt(1)}
		require.NoError(t, r.ApplyDiff(diff(int64(2+i), int64(2+i), model.NoSeq, []model.DepthLevel{far}, nil)))
	}
	snap := r.Snapshot()
	assert.LessOrEqual(t, len(snap.Bids), 10)
	assert.Equal(t, model.Price(100*1e8), snap.Bids[0].Price)
	assert.Len(t, snap.Asks, 5)

	// The best bid follows removals without a crossed-book false positive.
	require.NoError(t, r.ApplyDiff(diff(22, 22, model.NoSeq, []model.DepthLevel{{Price: model.Price(100 * 1e8), Qty: decimal.Zero}}, nil)))
	best, ok := r.Snapshot().BestBid()
	require.True(t, ok)
	assert.Equal(t, model.Price(99*1e8), best.Price)
	require.Error(t, r.ApplyDiff(diff(23, 23, model.NoSeq, []model.DepthLevel{{Price: model.Price(101 * 1e8), Qty: decimal.NewFromInt(1)}}, nil)))
}

func TestDiffBufferDropsOldest(t *testing.T) {
	r := New(btc, nil, Options{DiffBuffer: 3})
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, r.ApplyDiff(diff(seq, seq, model.NoSeq, []model.DepthLevel{lvl("1", "1")}, nil)))
	}
	assert.Equal(t, 3, r.Buffered())

	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 2}))
	assert.Equal(t, Live, r.State())
	assert.Equal(t, int64(5), r.Cursor())
}

func TestPublishDepthAndOrdering(t *testing.T) {
	r := New(btc, nil, Options{PublishDepth: 2})
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{
		Instrument: btc,
		Seq:        1,
		Bids:       []model.DepthLevel{lvl("98", "1"), lvl("100", "1"), lvl("99", "1")},
		Asks:       []model.DepthLevel{lvl("103", "1"), lvl("101", "1"), lvl("102", "1")},
		Time:       time.Unix(1700000000, 0),
	}))
	snap := r.Snapshot()
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, model.MustPrice("100"), snap.Bids[0].Price)
	assert.Equal(t, model.MustPrice("99"), snap.Bids[1].Price)
	assert.Equal(t, model.MustPrice("101"), snap.Asks[0].Price)
	mid, ok := snap.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.RequireFromString("100.5")))
}

// The book must equal a plain reference map after any sequence of in-order
// diffs.
func TestMatchesReferenceMap(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := New(btc, nil, Options{})

	ref := map[model.Price]decimal.Decimal{}
	var bids []model.DepthLevel
	for i := 0; i < 20; i++ {
		p := model.Price(int64(1000+i) * 1e6)
		q := decimal.NewFromInt(int64(1 + rng.Intn(5)))
		bids = append(bids, model.DepthLevel{Price: p, Qty: q})
		ref[p] = q
	}
	require.NoError(t, r.ApplySnapshot(model.DepthSnapshot{Instrument: btc, Seq: 100, Bids: bids}))

	seq := int64(100)
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(4)
		levels := make([]model.DepthLevel, 0, n)
		for j := 0; j < n; j++ {
			p := model.Price(int64(990+rng.Intn(40)) * 1e6)
			q := decimal.NewFromInt(int64(rng.Intn(4)))
			levels = append(levels, model.DepthLevel{Price: p, Qty: q})
			if q.IsZero() {
				delete(ref, p)
			} else {
				ref[p] = q
			}
		}
		first := seq + 1
		seq += int64(1 + rng.Intn(3))
		require.NoError(t, r.ApplyDiff(diff(first, seq, model.NoSeq, levels, nil)))
	}

	got, _ := r.Snapshot().Levels()
	require.Len(t, got, len(ref))
	for p, q := range ref {
		assert.True(t, got[p].Equal(q), "level %s", p)
	}
	assert.Equal(t, seq, r.Cursor())
}
