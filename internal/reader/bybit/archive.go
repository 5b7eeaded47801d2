package bybit

import (
	"context"
	"fmt"
	"time"

	"depthflow/internal/fetcher"
	"depthflow/internal/model"
	"depthflow/internal/reader"
	"depthflow/logger"
)

// FetchArchive downloads a day of public trades from the Bybit archive.
//
// Contract files are SYMBOLyyyy-mm-dd.csv.gz with columns timestamp (seconds
// with fraction), symbol, side, size, price, tickDirection, trdMatchID, ...
// Spot files are SYMBOL_yyyy-mm-dd.csv.gz with id, timestamp (ms), price,
// volume, side.
func (s *Source) FetchArchive(ctx context.Context, inst model.Instrument, day time.Time) ([]model.Trade, error) {
	base := s.archiveURL[inst.Exchange]
	if base == "" {
		return nil, fetcher.ErrArchiveMissing
	}
	date := day.UTC().Format("2006-01-02")
	spot := inst.Exchange == model.BybitSpot
	name := fmt.Sprintf("%s%s.csv.gz", inst.Symbol, date)
	if spot {
		name = fmt.Sprintf("%s_%s.csv.gz", inst.Symbol, date)
	}
	url := fmt.Sprintf("%s/%s/%s", base, inst.Symbol, name)

	body, err := fetcher.Get(ctx, s.archive, model.VenueBybit, url, true)
	if err != nil {
		return nil, err
	}
	rows, err := fetcher.ArchiveRecords(name, body)
	if err != nil {
		return nil, err
	}

	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		var t model.Trade
		if spot {
			t, err = s.spotRow(inst, r)
		} else {
			t, err = s.contractRow(inst, r)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		trades = append(trades, t)
	}
	// Contract archives are not guaranteed to be time ordered.
	sortTrades(trades)

	s.log.WithComponent("bybit_source").WithFields(logger.Fields{
		"instrument": inst.String(),
		"archive":    name,
		"trades":     len(trades),
		"bytes":      len(body),
	}).Info("archive loaded")
	return trades, nil
}

func (s *Source) contractRow(inst model.Instrument, r []string) (model.Trade, error) {
	if len(r) < 7 {
		return model.Trade{}, fmt.Errorf("row has %d fields", len(r))
	}
	at, err := reader.EpochTime(r[0])
	if err != nil {
		return model.Trade{}, err
	}
	return reader.Trade(inst, s.opts.SizeInQuote, r[6], r[4], r[3], side(r[2]), at)
}

func (s *Source) spotRow(inst model.Instrument, r []string) (model.Trade, error) {
	if len(r) < 5 {
		return model.Trade{}, fmt.Errorf("row has %d fields", len(r))
	}
	at, err := reader.EpochTime(r[1])
	if err != nil {
		return model.Trade{}, err
	}
	return reader.Trade(inst, s.opts.SizeInQuote, r[0], r[2], r[3], side(r[4]), at)
}
