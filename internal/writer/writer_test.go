package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"

	"depthflow/config"
	"depthflow/internal/model"
)

var base = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func candle(inst model.Instrument, i int) model.Candle {
	poc := model.MustPrice("100.5")
	return model.Candle{
		Instrument: inst,
		Resolution: model.TimeResolution(model.M1),
		OpenTime:   base.Add(time.Duration(i) * time.Minute),
		Open:       model.MustPrice("100"),
		High:       model.MustPrice("101"),
		Low:        model.MustPrice("99.5"),
		Close:      model.MustPrice("100.5"),
		Volume:     mustQty("3"),
		BuyVolume:  mustQty("2"),
		SellVolume: mustQty("1"),
		Trades:     4,
		Closed:     true,
		POC:        &poc,
		NakedPOC:   model.NPOCNaked,
	}
}

func mustQty(s string) model.Quantity {
	q, err := model.ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

type fakeSink struct {
	mu      sync.Mutex
	batches []Batch
	calls   int
	fail    int
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Write(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != 0 {
		if s.fail > 0 {
			s.fail--
		}
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) snapshot() ([]Batch, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...), s.calls
}

func newTestExporter(t *testing.T, cfg config.StorageConfig, clk clock.Clock, sink Sink) *Exporter {
	t.Helper()
	e := NewExporter(cfg, clk, sink)
	e.retry = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e
}

func TestExporterFlushesFullBatch(t *testing.T) {
	sink := &fakeSink{}
	e := newTestExporter(t, config.StorageConfig{BatchSize: 2, FlushInterval: time.Hour}, clock.NewMock(), sink)

	inst := model.NewInstrument(model.BybitLinear, "BTCUSDT")
	for i := 0; i < 3; i++ {
		if !e.Export(candle(inst, i)) {
			t.Fatalf("candle %d not queued", i)
		}
	}
	e.Stop()

	batches, _ := sink.snapshot()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	// Uploads run concurrently, so batches may land in either order.
	sizes := map[string]int{}
	for _, b := range batches {
		sizes[b.Reason] = b.RecordCount()
	}
	if sizes["batch_size"] != 2 || sizes["shutdown"] != 1 {
		t.Fatalf("unexpected batches: %v", sizes)
	}
	if got := e.Stats(); got.BatchesWritten != 2 || got.RecordsWritten != 3 || got.ErrorsCount != 0 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestExporterFlushesOnInterval(t *testing.T) {
	sink := &fakeSink{}
	mock := clock.NewMock()
	e := newTestExporter(t, config.StorageConfig{BatchSize: 100, FlushInterval: time.Minute}, mock, sink)
	defer e.Stop()

	e.Export(candle(model.NewInstrument(model.OKXLinear, "BTC-USDT-SWAP"), 0))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mock.Add(time.Minute)
		if batches, _ := sink.snapshot(); len(batches) == 1 {
			if batches[0].Reason != "interval" {
				t.Fatalf("expected interval flush, got %q", batches[0].Reason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("interval flush did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExporterRejectsOpenCandles(t *testing.T) {
	e := NewExporter(config.StorageConfig{}, clock.NewMock())
	c := candle(model.NewInstrument(model.BinanceLinear, "BTCUSDT"), 0)
	if e.Export(c) {
		t.Fatal("exporter accepted a candle before start")
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()
	c.Closed = false
	if e.Export(c) {
		t.Fatal("exporter accepted an open candle")
	}
}

func TestExporterRetriesSink(t *testing.T) {
	sink := &fakeSink{fail: 2}
	e := newTestExporter(t, config.StorageConfig{BatchSize: 1, FlushInterval: time.Hour}, clock.NewMock(), sink)
	e.Export(candle(model.NewInstrument(model.BinanceLinear, "BTCUSDT"), 0))
	e.Stop()

	batches, calls := sink.snapshot()
	if len(batches) != 1 || calls != 3 {
		t.Fatalf("expected success on third attempt, got %d batches after %d calls", len(batches), calls)
	}

	broken := &fakeSink{fail: -1}
	e = newTestExporter(t, config.StorageConfig{BatchSize: 1, FlushInterval: time.Hour}, clock.NewMock(), broken)
	e.Export(candle(model.NewInstrument(model.BinanceLinear, "BTCUSDT"), 0))
	e.Stop()

	if _, calls := broken.snapshot(); calls != writeRetries+1 {
		t.Fatalf("expected %d attempts, got %d", writeRetries+1, calls)
	}
	if got := e.Stats(); got.ErrorsCount != 1 || got.BatchesWritten != 0 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func testBatch() Batch {
	inst := model.NewInstrument(model.OKXLinear, "BTC-USDT-SWAP")
	b := Batch{
		ID:         "0f8fad5b-d9cb-469f-a165-70867728950e",
		Instrument: inst,
		Resolution: model.TimeResolution(model.M1),
		Timestamp:  base,
	}
	for i := 0; i < 3; i++ {
		b.Records = append(b.Records, NewRecord(candle(inst, i), b.ID))
	}
	return b
}

func TestNewRecord(t *testing.T) {
	rec := testBatch().Records[0]
	if rec.Pair != "BTCUSDT" || rec.Exchange != "okx_linear" || rec.Resolution != "1m" {
		t.Fatalf("unexpected identity fields: %+v", rec)
	}
	if rec.POC != 100.5 || rec.NakedPOC != "naked" || rec.Volume != 3 || rec.OpenTime != base.UnixMilli() {
		t.Fatalf("unexpected values: %+v", rec)
	}
}

func TestObjectKey(t *testing.T) {
	got := objectKey("/candles/", testBatch())
	want := "candles/exchange=okx_linear/symbol=BTC-USDT-SWAP/resolution=1m/date=2024-01-10/BTC-USDT-SWAP_1m_20240110120000_0f8fad5b.parquet"
	if got != want {
		t.Fatalf("objectKey = %s, want %s", got, want)
	}
}

func TestEncodeParquet(t *testing.T) {
	data, err := encodeParquet(testBatch())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) < 8 || !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Fatalf("output is not a parquet file (%d bytes)", len(data))
	}
}

func TestLocalSinkWritesFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewLocalSink(dir)
	if err != nil {
		t.Fatalf("new local sink: %v", err)
	}
	batch := testBatch()
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(objectKey("", batch))))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) {
		t.Fatal("local file is not parquet")
	}

	meta := sink.catalog.Metadata()
	if len(meta.Snapshots) != 1 || meta.Snapshots[0].Records != int64(batch.RecordCount()) {
		t.Fatalf("unexpected table metadata: %+v", meta)
	}
	if got := partition(objectKey("", batch)); got["exchange"] != batch.Instrument.Exchange.Key() || got["resolution"] != batch.Resolution.String() {
		t.Fatalf("unexpected partition: %v", got)
	}
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.input = in
	p.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkPutsParquet(t *testing.T) {
	putter := &fakePutter{}
	sink := &S3Sink{client: putter, bucket: "market-data", prefix: "candles"}
	if err := sink.Write(context.Background(), testBatch()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if *putter.input.Bucket != "market-data" || !strings.HasPrefix(*putter.input.Key, "candles/exchange=okx_linear/") {
		t.Fatalf("unexpected object: %s/%s", *putter.input.Bucket, *putter.input.Key)
	}
	if !bytes.HasPrefix(putter.body, []byte("PAR1")) {
		t.Fatal("uploaded body is not parquet")
	}
}

type fakeKafka struct {
	msgs []kafka.Message
}

func (k *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	k.msgs = append(k.msgs, msgs...)
	return nil
}

func (k *fakeKafka) Close() error { return nil }

func TestKafkaSinkKeysByInstrument(t *testing.T) {
	fk := &fakeKafka{}
	sink := &KafkaSink{writer: fk, topic: "candles"}
	if err := sink.Write(context.Background(), testBatch()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(fk.msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "okx_linear:BTC-USDT-SWAP" {
		t.Fatalf("unexpected key %q", fk.msgs[0].Key)
	}
	if !bytes.Contains(fk.msgs[0].Value, []byte(`"pair":"BTCUSDT"`)) {
		t.Fatalf("unexpected value %s", fk.msgs[0].Value)
	}
}

func TestNormalizeBucketName(t *testing.T) {
	bucket, err := normalizeBucketName(" my-bucket ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "my-bucket" {
		t.Fatalf("expected trimmed bucket 'my-bucket', got %q", bucket)
	}
	if _, err := normalizeBucketName("   \t  "); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
