package orderbook

import (
	"errors"
	"fmt"

	"depthflow/internal/model"
)

// ErrCrossed is wrapped by a SequenceGapError when a diff leaves the best bid
// at or above the best ask.
var ErrCrossed = errors.New("orderbook: crossed book")

// SequenceGapError reports a diff that does not continue from the cursor. The
// book is left untouched when it is returned.
type SequenceGapError struct {
	Instrument model.Instrument
	Cursor     int64
	FirstSeq   int64
	FinalSeq   int64
	PrevSeq    int64
	Err        error
}

func (e *SequenceGapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orderbook %s: %v at seq %d", e.Instrument, e.Err, e.FinalSeq)
	}
	if e.PrevSeq != model.NoSeq {
		return fmt.Sprintf("orderbook %s: sequence gap: cursor %d, diff prev %d final %d",
			e.Instrument, e.Cursor, e.PrevSeq, e.FinalSeq)
	}
	return fmt.Sprintf("orderbook %s: sequence gap: cursor %d, diff %d..%d",
		e.Instrument, e.Cursor, e.FirstSeq, e.FinalSeq)
}

func (e *SequenceGapError) Unwrap() error { return e.Err }

func gapError(inst model.Instrument, cursor int64, d model.DepthDiff) *SequenceGapError {
	return &SequenceGapError{
		Instrument: inst,
		Cursor:     cursor,
		FirstSeq:   d.FirstSeq,
		FinalSeq:   d.FinalSeq,
		PrevSeq:    d.PrevSeq,
	}
}
