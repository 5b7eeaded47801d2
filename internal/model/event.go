package model

import "time"

// EventKind tags the variants of the normalized event union.
type EventKind int8

const (
	KindTrade EventKind = iota + 1
	KindDepthSnapshot
	KindDepthDiff
	KindKline
	KindHeartbeat
	KindAuth
)

func (k EventKind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindDepthSnapshot:
		return "depth_snapshot"
	case KindDepthDiff:
		return "depth_diff"
	case KindKline:
		return "kline"
	case KindHeartbeat:
		return "heartbeat"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// NoSeq marks a diff that carries no previous-sequence link.
const NoSeq int64 = -1

// Event is the normalized output of every codec. The set of implementations
// is closed: TradeEvent, DepthSnapshot, DepthDiff, KlineUpdate, Heartbeat and
// AuthChallenge. Connection-level events return a zero Target.
type Event interface {
	EventKind() EventKind
	Target() Instrument
}

type TradeEvent struct {
	Trade      Trade
	Historical bool
}

func (TradeEvent) EventKind() EventKind { return KindTrade }
func (e TradeEvent) Target() Instrument { return e.Trade.Instrument }

// DepthSnapshot replaces the whole book at sequence Seq.
type DepthSnapshot struct {
	Instrument Instrument
	Seq        int64
	Bids       []DepthLevel
	Asks       []DepthLevel
	Time       time.Time
}

func (DepthSnapshot) EventKind() EventKind { return KindDepthSnapshot }
func (e DepthSnapshot) Target() Instrument { return e.Instrument }

// DepthDiff covers update ids FirstSeq..FinalSeq. PrevSeq is the FinalSeq of
// the previous diff when the venue publishes it, NoSeq otherwise.
type DepthDiff struct {
	Instrument Instrument
	FirstSeq   int64
	FinalSeq   int64
	PrevSeq    int64
	Bids       []DepthLevel
	Asks       []DepthLevel
	Time       time.Time
}

func (DepthDiff) EventKind() EventKind { return KindDepthDiff }
func (e DepthDiff) Target() Instrument { return e.Instrument }

type KlineUpdate struct {
	Instrument Instrument
	Timeframe  Timeframe
	Kline      Kline
	Closed     bool
	Historical bool
}

func (KlineUpdate) EventKind() EventKind { return KindKline }
func (e KlineUpdate) Target() Instrument { return e.Instrument }

// Heartbeat is a pong or server ping observed on a connection.
type Heartbeat struct {
	Exchange Exchange
	Time     time.Time
}

func (Heartbeat) EventKind() EventKind { return KindHeartbeat }
func (Heartbeat) Target() Instrument { return Instrument{} }

// AuthChallenge is the venue's reply to a login/auth request.
type AuthChallenge struct {
	Exchange Exchange
	Success  bool
	Message  string
}

func (AuthChallenge) EventKind() EventKind { return KindAuth }
func (AuthChallenge) Target() Instrument { return Instrument{} }
