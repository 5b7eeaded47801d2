package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/internal/reader"
	"depthflow/logger"
)

// FetchArchive downloads the daily aggTrades archive from the public data
// site. Columns: agg id, price, qty, first id, last id, time, buyer maker.
func (s *Source) FetchArchive(ctx context.Context, inst model.Instrument, day time.Time) ([]model.Trade, error) {
	base := s.archiveURL[inst.Exchange]
	if base == "" {
		return nil, fetcher.ErrArchiveMissing
	}
	name := fmt.Sprintf("%s-aggTrades-%s.zip", inst.Symbol, day.UTC().Format("2006-01-02"))
	url := fmt.Sprintf("%s/daily/aggTrades/%s/%s", base, inst.Symbol, name)

	body, err := fetcher.Get(ctx, s.archive, model.VenueBinance, url, true)
	if err != nil {
		return nil, err
	}
	rows, err := fetcher.ArchiveRecords(name, body)
	if err != nil {
		return nil, err
	}

	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		if len(r) < 7 {
			return nil, fmt.Errorf("%s: row has %d fields", name, len(r))
		}
		at, err := reader.EpochTime(r[5])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		side := model.Buy
		if maker, _ := strconv.ParseBool(r[6]); maker {
			side = model.Sell
		}
		t, err := reader.Trade(inst, s.opts.SizeInQuote, r[0], r[1], r[2], side, at)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		trades = append(trades, t)
	}

	s.log.WithComponent("binance_source").WithFields(logger.Fields{
		"instrument": inst.String(),
		"archive":    name,
		"trades":     len(trades),
		"bytes":      len(body),
	}).Info("archive loaded")
	return trades, nil
}
