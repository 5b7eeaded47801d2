package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"depthflow/config"
	"depthflow/internal/metrics"
	"depthflow/internal/model"
	"depthflow/logger"
)

const (
	component    = "candle_exporter"
	writeTimeout = 30 * time.Second
	writeRetries = 3
	uploaders    = 2
)

type bufferKey struct {
	inst model.Instrument
	res  model.Resolution
}

// Exporter buffers closed candles per instrument and resolution and hands
// full or timed-out buffers to every sink. Export never blocks the caller;
// candles offered to a full queue are dropped and counted.
type Exporter struct {
	cfg   config.StorageConfig
	sinks []Sink
	clock clock.Clock
	log   *logger.Log
	retry func() backoff.BackOff

	in   chan model.Candle
	jobs chan Batch
	wg   sync.WaitGroup

	mu      sync.RWMutex
	running bool

	// owned by the ingest goroutine
	buffer map[bufferKey][]model.Candle

	batchesWritten int64
	recordsWritten int64
	errorsCount    int64
	dropped        int64
}

func NewExporter(cfg config.StorageConfig, clk clock.Clock, sinks ...Sink) *Exporter {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Exporter{
		cfg:    cfg,
		sinks:  sinks,
		clock:  clk,
		log:    logger.GetLogger(),
		retry:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		in:     make(chan model.Candle, cfg.QueueSize),
		jobs:   make(chan Batch, uploaders*4),
		buffer: make(map[bufferKey][]model.Candle),
	}
}

// Start launches the ingest loop and the upload workers.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("candle exporter already running")
	}
	e.running = true
	e.mu.Unlock()

	names := make([]string, 0, len(e.sinks))
	for _, s := range e.sinks {
		names = append(names, s.Name())
	}
	e.log.WithComponent(component).WithFields(logger.Fields{
		"sinks":          names,
		"flush_interval": e.cfg.FlushInterval,
		"batch_size":     e.cfg.BatchSize,
	}).Info("starting candle exporter")

	e.wg.Add(1)
	go e.ingest(ctx)
	for i := 0; i < uploaders; i++ {
		e.wg.Add(1)
		go e.upload(ctx)
	}
	return nil
}

// Export offers a closed candle. It reports false when the candle was not
// queued.
func (e *Exporter) Export(c model.Candle) bool {
	if !c.Closed {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return false
	}
	select {
	case e.in <- c:
		return true
	default:
		atomic.AddInt64(&e.dropped, 1)
		return false
	}
}

// Stop flushes everything buffered, waits for the uploads and closes the
// sinks.
func (e *Exporter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.in)
	e.mu.Unlock()

	e.wg.Wait()
	closeSinks(e.sinks)
	metrics.ReportWriter(e.log, component, e.Stats())
	e.log.WithComponent(component).Info("candle exporter stopped")
}

func (e *Exporter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten:  atomic.LoadInt64(&e.batchesWritten),
		ObjectsWritten:  atomic.LoadInt64(&e.batchesWritten) * int64(len(e.sinks)),
		RecordsWritten:  atomic.LoadInt64(&e.recordsWritten),
		ErrorsCount:     atomic.LoadInt64(&e.errorsCount),
		PendingRecords:  len(e.in),
		PendingCapacity: cap(e.in),
	}
}

// Dropped is the number of candles refused by a full queue.
func (e *Exporter) Dropped() int64 { return atomic.LoadInt64(&e.dropped) }

func (e *Exporter) ingest(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.jobs)

	ticker := e.clock.Ticker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-e.in:
			if !ok {
				e.flush("shutdown")
				return
			}
			e.add(c)
		case <-ticker.C:
			e.flush("interval")
			metrics.ReportWriter(e.log, component, e.Stats())
		case <-ctx.Done():
			e.drain()
			e.flush("context_cancelled")
			return
		}
	}
}

// drain moves what is already queued into the buffers without waiting.
func (e *Exporter) drain() {
	for {
		select {
		case c, ok := <-e.in:
			if !ok {
				return
			}
			e.add(c)
		default:
			return
		}
	}
}

func (e *Exporter) add(c model.Candle) {
	key := bufferKey{inst: c.Instrument, res: c.Resolution}
	e.buffer[key] = append(e.buffer[key], c)
	if len(e.buffer[key]) >= e.cfg.BatchSize {
		candles := e.buffer[key]
		delete(e.buffer, key)
		e.jobs <- e.makeBatch(key, candles, "batch_size")
	}
}

func (e *Exporter) flush(reason string) {
	for key, candles := range e.buffer {
		delete(e.buffer, key)
		if len(candles) == 0 {
			continue
		}
		e.jobs <- e.makeBatch(key, candles, reason)
	}
}

func (e *Exporter) makeBatch(key bufferKey, candles []model.Candle, reason string) Batch {
	id := uuid.NewString()
	records := make([]CandleRecord, 0, len(candles))
	var newest time.Time
	for _, c := range candles {
		records = append(records, NewRecord(c, id))
		if c.OpenTime.After(newest) {
			newest = c.OpenTime
		}
	}
	return Batch{
		ID:         id,
		Instrument: key.inst,
		Resolution: key.res,
		Records:    records,
		Timestamp:  newest,
		Reason:     reason,
	}
}

func (e *Exporter) upload(ctx context.Context) {
	defer e.wg.Done()
	for batch := range e.jobs {
		e.write(ctx, batch)
	}
}

func (e *Exporter) write(ctx context.Context, batch Batch) {
	start := time.Now()
	entry := e.log.WithComponent(component).WithFields(logger.Fields{
		"batch_id":   batch.ID,
		"instrument": batch.Instrument.String(),
		"resolution": batch.Resolution.String(),
		"records":    batch.RecordCount(),
		"reason":     batch.Reason,
	})

	// Shutdown flushes still have to reach the sinks.
	base := context.WithoutCancel(ctx)
	failed := false
	for _, sink := range e.sinks {
		op := func() error {
			wctx, cancel := context.WithTimeout(base, writeTimeout)
			defer cancel()
			return sink.Write(wctx, batch)
		}
		b := backoff.WithMaxRetries(e.retry(), writeRetries)
		if err := backoff.Retry(op, b); err != nil {
			failed = true
			atomic.AddInt64(&e.errorsCount, 1)
			entry.WithError(err).WithFields(logger.Fields{"sink": sink.Name()}).Error("failed to export candle batch")
		}
	}
	if failed {
		return
	}

	atomic.AddInt64(&e.batchesWritten, 1)
	atomic.AddInt64(&e.recordsWritten, int64(batch.RecordCount()))
	logger.LogDataFlowEntry(entry, "feed", "candle_sinks", batch.RecordCount(), "candles")
	logger.LogPerformanceEntry(entry, component, "write_batch", time.Since(start), nil)
}
