package fetcher

import (
	"context"
	"time"

	"depthflow/internal/model"
)

// Source is the REST surface of one venue. Implementations live under
// internal/reader and serve every market kind of their venue. Calls are made
// through a Fetcher, which rate limits, times out and retries them.
type Source interface {
	Venue() model.Venue
	// FetchKlines returns up to limit klines opening in [start, end),
	// ascending by open time.
	FetchKlines(ctx context.Context, inst model.Instrument, tf model.Timeframe, start, end time.Time, limit int) ([]model.Kline, error)
	// FetchTrades returns up to limit trades executed in [start, end),
	// ascending by time.
	FetchTrades(ctx context.Context, inst model.Instrument, start, end time.Time, limit int) ([]model.Trade, error)
	FetchSnapshot(ctx context.Context, inst model.Instrument, depth int) (model.DepthSnapshot, error)
	TickerInfo(ctx context.Context, inst model.Instrument) (model.TickerInfo, error)
	OpenInterest(ctx context.Context, inst model.Instrument) (model.OpenInterest, error)
}

// ArchiveSource is implemented by venues that publish daily trade archives.
// FetchArchive returns ErrArchiveMissing when the day is not published.
type ArchiveSource interface {
	FetchArchive(ctx context.Context, inst model.Instrument, day time.Time) ([]model.Trade, error)
}

// MaxTradeSpan caps the window of a single FetchTrades call.
type MaxTradeSpan interface {
	TradeSpan() time.Duration
}
