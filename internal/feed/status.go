package feed

import (
	"sort"
	"time"

	"depthflow/internal/aggregator"
	"depthflow/internal/channel"
	"depthflow/internal/model"
)

// Status is a point-in-time report on one instrument for operators.
type Status struct {
	Instrument  model.Instrument   `json:"-"`
	Name        string             `json:"instrument"`
	Book        string             `json:"book_state"`
	Seq         int64              `json:"seq"`
	Version     uint64             `json:"version"`
	Resyncs     int                `json:"resyncs"`
	LastError   string             `json:"last_error,omitempty"`
	BookTime    time.Time          `json:"book_time"`
	Resolutions []string           `json:"resolutions"`
	Queue       channel.QueueStats `json:"queue"`
	Trades      aggregator.Stats   `json:"trades"`
	Partial     []PartialHistory   `json:"partial_history,omitempty"`
	Since       time.Time          `json:"since"`
}

// PartialHistory describes a backfill that stopped early.
type PartialHistory struct {
	Stream   string    `json:"stream"`
	ResumeAt time.Time `json:"resume_at"`
	End      time.Time `json:"end"`
	Replayed int       `json:"replayed"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

func (a *actor) status() Status {
	snap := a.book.Snapshot()
	st := Status{
		Instrument:  a.inst,
		Name:        a.inst.String(),
		Book:        snap.State.String(),
		Seq:         snap.Seq,
		Version:     snap.Version,
		Resyncs:     snap.Resyncs,
		BookTime:    snap.Time,
		Resolutions: resolutionNames(a.agg.Resolutions()),
		Queue:       a.queue.Stats(),
		Trades:      a.agg.Stats(),
		Since:       a.since,
	}
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	}

	a.mu.Lock()
	for key, p := range a.partial {
		st.Partial = append(st.Partial, PartialHistory{
			Stream:   key,
			ResumeAt: p.cursor.Next,
			End:      p.cursor.Request.End,
			Replayed: p.cursor.Events,
			Error:    p.err.Error(),
			At:       p.at,
		})
	}
	a.mu.Unlock()
	sort.Slice(st.Partial, func(i, j int) bool { return st.Partial[i].Stream < st.Partial[j].Stream })
	return st
}
