package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is a fixed bucket width. The sub-second values only drive the
// depth heatmap; the minute and above values drive candles.
type Timeframe int

const (
	MS100 Timeframe = iota + 1
	MS200
	MS500
	MS1000
	M1
	M3
	M5
	M15
	M30
	H1
	H2
	H4
	H6
	H12
	D1
)

var (
	KlineTimeframes   = []Timeframe{M1, M3, M5, M15, M30, H1, H2, H4, H6, H12, D1}
	HeatmapTimeframes = []Timeframe{MS100, MS200, MS500, MS1000}
)

var timeframeSpec = map[Timeframe]struct {
	name string
	dur  time.Duration
}{
	MS100:  {"100ms", 100 * time.Millisecond},
	MS200:  {"200ms", 200 * time.Millisecond},
	MS500:  {"500ms", 500 * time.Millisecond},
	MS1000: {"1s", time.Second},
	M1:     {"1m", time.Minute},
	M3:     {"3m", 3 * time.Minute},
	M5:     {"5m", 5 * time.Minute},
	M15:    {"15m", 15 * time.Minute},
	M30:    {"30m", 30 * time.Minute},
	H1:     {"1h", time.Hour},
	H2:     {"2h", 2 * time.Hour},
	H4:     {"4h", 4 * time.Hour},
	H6:     {"6h", 6 * time.Hour},
	H12:    {"12h", 12 * time.Hour},
	D1:     {"1d", 24 * time.Hour},
}

func (tf Timeframe) Duration() time.Duration {
	return timeframeSpec[tf].dur
}

func (tf Timeframe) Milliseconds() int64 {
	return tf.Duration().Milliseconds()
}

func (tf Timeframe) String() string {
	if s, ok := timeframeSpec[tf]; ok {
		return s.name
	}
	return fmt.Sprintf("Timeframe(%d)", int(tf))
}

func (tf Timeframe) Valid() bool {
	_, ok := timeframeSpec[tf]
	return ok
}

// IsHeatmap reports whether tf belongs to the sub-second heatmap set.
func (tf Timeframe) IsHeatmap() bool {
	return tf >= MS100 && tf <= MS1000
}

// BucketStart aligns t to the start of its bucket, counted from the Unix
// epoch in UTC so daily buckets start at midnight UTC.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	return time.UnixMilli(tf.BucketStartMs(t.UnixMilli())).UTC()
}

func (tf Timeframe) BucketStartMs(ms int64) int64 {
	d := tf.Milliseconds()
	if d <= 0 {
		return ms
	}
	b := ms - ms%d
	if ms < 0 && ms%d != 0 {
		b -= d
	}
	return b
}

func ParseTimeframe(s string) (Timeframe, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for tf, spec := range timeframeSpec {
		if spec.name == needle {
			return tf, nil
		}
	}
	return 0, fmt.Errorf("invalid timeframe %q", s)
}

// Resolution selects a time-bucketed series (Timeframe) or a tick-count
// series (Ticks). Exactly one of the two is set.
type Resolution struct {
	Timeframe Timeframe
	Ticks     int
}

func TimeResolution(tf Timeframe) Resolution { return Resolution{Timeframe: tf} }

func TickResolution(n int) Resolution { return Resolution{Ticks: n} }

func (r Resolution) IsTicks() bool { return r.Ticks > 0 }

func (r Resolution) Valid() bool {
	if r.Ticks > 0 {
		return r.Timeframe == 0
	}
	return r.Timeframe.Valid() && !r.Timeframe.IsHeatmap()
}

func (r Resolution) String() string {
	if r.IsTicks() {
		return strconv.Itoa(r.Ticks) + "T"
	}
	return r.Timeframe.String()
}

// ParseResolution accepts timeframe names ("5m") or tick counts ("100T").
func ParseResolution(s string) (Resolution, error) {
	s = strings.TrimSpace(s)
	if n, ok := strings.CutSuffix(strings.ToUpper(s), "T"); ok {
		ticks, err := strconv.Atoi(n)
		if err != nil || ticks <= 0 {
			return Resolution{}, fmt.Errorf("invalid tick resolution %q", s)
		}
		return TickResolution(ticks), nil
	}
	tf, err := ParseTimeframe(s)
	if err != nil {
		return Resolution{}, err
	}
	r := TimeResolution(tf)
	if !r.Valid() {
		return Resolution{}, fmt.Errorf("invalid candle resolution %q", s)
	}
	return r, nil
}
