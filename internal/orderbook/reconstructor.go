package orderbook

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"depthflow/internal/metrics"
	"depthflow/internal/model"
	"depthflow/logger"
)

type State int8

const (
	Cold State = iota
	Syncing
	Live
	Stale
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Requester asks for a fresh snapshot of inst. It is called from the owner
// goroutine and must not block; the snapshot is delivered later through
// ApplySnapshot.
type Requester func(inst model.Instrument)

type Options struct {
	// DiffBuffer bounds the diffs held while waiting for a snapshot. The
	// oldest are dropped once it is full.
	DiffBuffer int
	// ResyncAlert is the number of consecutive resyncs after which the gap
	// is surfaced as Snapshot.LastError.
	ResyncAlert int
	// PublishDepth limits the levels per side in published snapshots.
	// Zero publishes the whole book.
	PublishDepth int
	// TrackDepth bounds the levels kept per side. Levels furthest from the
	// touch are dropped once a side holds twice as many. Zero keeps all.
	TrackDepth int
	Clock        clock.Clock
	Log          *logger.Log
}

func (o Options) withDefaults() Options {
	if o.DiffBuffer <= 0 {
		o.DiffBuffer = 2048
	}
	if o.ResyncAlert <= 0 {
		o.ResyncAlert = 3
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Log == nil {
		o.Log = logger.GetLogger()
	}
	return o
}

// Reconstructor rebuilds one instrument's book from snapshots and diffs. All
// Apply* and MarkStale calls must come from a single owner goroutine;
// Snapshot may be called from anywhere.
type Reconstructor struct {
	inst    model.Instrument
	opts    Options
	request Requester
	log     *logger.Entry

	state   State
	cursor  int64
	bridged bool
	book    *book
	buffer  []model.DepthDiff
	updated time.Time

	version  uint64
	resyncs  int
	failures int
	lastErr  error

	published atomic.Pointer[Snapshot]
}

func New(inst model.Instrument, request Requester, opts Options) *Reconstructor {
	opts = opts.withDefaults()
	r := &Reconstructor{
		inst:    inst,
		opts:    opts,
		request: request,
		log:     opts.Log.WithComponent("orderbook").WithInstrument(inst.String()),
		book:    newBook(),
		buffer:  make([]model.DepthDiff, 0, 64),
	}
	r.publish()
	return r
}

func (r *Reconstructor) Instrument() model.Instrument { return r.inst }

func (r *Reconstructor) State() State { return r.state }

func (r *Reconstructor) Cursor() int64 { return r.cursor }

// Buffered is the number of diffs waiting for a snapshot.
func (r *Reconstructor) Buffered() int { return len(r.buffer) }

// Snapshot returns the latest published view without blocking the owner.
func (r *Reconstructor) Snapshot() Snapshot {
	return *r.published.Load()
}

// Apply routes a depth event. Other event kinds are ignored.
func (r *Reconstructor) Apply(ev model.Event) error {
	switch e := ev.(type) {
	case model.DepthSnapshot:
		return r.ApplySnapshot(e)
	case model.DepthDiff:
		return r.ApplyDiff(e)
	}
	return nil
}

// ApplySnapshot replaces the book, replays the buffered diffs that are newer
// than the snapshot and goes Live. A snapshot always wins, even while Live,
// because some venues restart their sequence with a new in-stream snapshot.
func (r *Reconstructor) ApplySnapshot(s model.DepthSnapshot) error {
	r.book.reset(s.Bids, s.Asks)
	r.book.trim(r.opts.TrackDepth)
	r.cursor = s.Seq
	r.bridged = false
	r.state = Live
	r.touch(s.Time)

	pending := r.buffer
	r.buffer = make([]model.DepthDiff, 0, cap(pending))
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].FinalSeq < pending[j].FinalSeq })

	for i, d := range pending {
		if d.FinalSeq <= s.Seq {
			continue
		}
		if err := r.applyLive(d); err != nil {
			r.goStale(err)
			r.buffer = append(r.buffer, pending[i+1:]...)
			r.publish()
			return err
		}
	}

	r.publish()
	return nil
}

// ApplyDiff applies a diff when Live and buffers it otherwise. A diff that
// does not continue the sequence leaves the book untouched, moves it to
// Stale, requests a resync and returns a *SequenceGapError.
func (r *Reconstructor) ApplyDiff(d model.DepthDiff) error {
	switch r.state {
	case Live:
		if err := r.applyLive(d); err != nil {
			r.goStale(err)
			r.publish()
			return err
		}
		r.publish()
		return nil
	case Cold:
		r.state = Syncing
		r.bufferDiff(d)
		r.publish()
		r.requestSnapshot()
		return nil
	default:
		r.bufferDiff(d)
		return nil
	}
}

// MarkStale discards the sequence position after a reconnect or a queue
// overflow and requests a new snapshot. The last book stays readable under
// the Stale tag until the snapshot arrives.
func (r *Reconstructor) MarkStale(reason string) {
	if r.state == Cold {
		return
	}
	r.goStale(fmt.Errorf("orderbook %s: %s", r.inst, reason))
	r.publish()
}

// SnapshotFailed is called when a requested snapshot could not be obtained.
// A retained book stays readable under the Stale tag and another snapshot is
// requested.
func (r *Reconstructor) SnapshotFailed(err error) {
	if r.state == Live {
		return
	}
	r.failures++
	if r.failures >= r.opts.ResyncAlert {
		r.lastErr = err
	}
	if r.state == Cold {
		r.state = Syncing
	}
	r.log.WithError(err).WithFields(logger.Fields{"failures": r.failures}).Warn("snapshot request failed")
	r.publish()
	r.requestSnapshot()
}

func (r *Reconstructor) applyLive(d model.DepthDiff) error {
	if d.FinalSeq <= r.cursor {
		return nil
	}

	var ok bool
	switch {
	case !r.bridged:
		ok = (d.FirstSeq <= r.cursor+1 && r.cursor+1 <= d.FinalSeq) ||
			(d.PrevSeq != model.NoSeq && d.PrevSeq == r.cursor)
	case d.PrevSeq != model.NoSeq:
		ok = d.PrevSeq == r.cursor
	default:
		ok = d.FirstSeq <= r.cursor+1
	}
	if !ok {
		return gapError(r.inst, r.cursor, d)
	}
	if r.book.wouldCross(d.Bids, d.Asks) {
		gap := gapError(r.inst, r.cursor, d)
		gap.Err = ErrCrossed
		return gap
	}

	r.book.apply(d.Bids, d.Asks)
	r.book.trim(r.opts.TrackDepth)
	r.cursor = d.FinalSeq
	if !r.bridged {
		r.bridged = true
		r.failures = 0
		r.lastErr = nil
	}
	r.touch(d.Time)
	return nil
}

func (r *Reconstructor) goStale(err error) {
	r.state = Stale
	r.bridged = false
	r.resyncs++
	r.failures++
	if r.failures >= r.opts.ResyncAlert {
		r.lastErr = err
	}
	metrics.IncResync(r.inst.String())
	r.log.WithError(err).WithFields(logger.Fields{
		"cursor":   r.cursor,
		"resyncs":  r.resyncs,
		"failures": r.failures,
	}).Warn("order book out of sequence, resyncing")
	r.requestSnapshot()
}

func (r *Reconstructor) bufferDiff(d model.DepthDiff) {
	if len(r.buffer) >= r.opts.DiffBuffer {
		drop := len(r.buffer) - r.opts.DiffBuffer + 1
		r.buffer = append(r.buffer[:0], r.buffer[drop:]...)
		metrics.EmitDropMetric(r.opts.Log, metrics.DropMetricStaleDiff, r.inst.Exchange.Key(), r.inst.String(), "orderbook", drop)
	}
	r.buffer = append(r.buffer, d)
}

func (r *Reconstructor) requestSnapshot() {
	if r.request != nil {
		r.request(r.inst)
	}
}

func (r *Reconstructor) touch(t time.Time) {
	if t.IsZero() {
		t = r.opts.Clock.Now()
	}
	r.updated = t
}

func (r *Reconstructor) publish() {
	r.version++
	bids, asks := r.book.levels(r.opts.PublishDepth)
	r.published.Store(&Snapshot{
		Instrument: r.inst,
		State:      r.state,
		Seq:        r.cursor,
		Version:    r.version,
		Bids:       bids,
		Asks:       asks,
		Time:       r.updated,
		Resyncs:    r.resyncs,
		LastError:  r.lastErr,
	})
}
