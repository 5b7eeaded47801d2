package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"depthflow/logger"
)

// fakeCloudWatch swaps in a client and a recording publisher and pins the
// clock at the returned base time, which set moves.
func fakeCloudWatch(t *testing.T) (batches *[][]cwtypes.MetricDatum, set func(time.Duration)) {
	t.Helper()
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Depthflow"})
	prevInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	resetMetricPublishTimes()

	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	now := base
	timeNow = func() time.Time { return now }

	var out [][]cwtypes.MetricDatum
	publishMetricsFunc = func(_ context.Context, _ *cloudWatchState, data []cwtypes.MetricDatum) {
		out = append(out, append([]cwtypes.MetricDatum(nil), data...))
	}
	t.Cleanup(func() {
		cwState.Store(prevState)
		cloudWatchPublishInterval = prevInterval
		timeNow = time.Now
		publishMetricsFunc = publishMetrics
		resetMetricPublishTimes()
	})
	return &out, func(d time.Duration) { now = base.Add(d) }
}

func TestPublishMetricDatumThrottlesPerSeries(t *testing.T) {
	cases := []struct {
		name   string
		second time.Duration
		fields logger.Fields
		want   []float64
	}{
		{name: "same series inside interval", second: 25 * time.Millisecond, want: []float64{1}},
		{name: "same series after interval", second: 75 * time.Millisecond, want: []float64{1, 2}},
		{name: "other instrument inside interval", second: 25 * time.Millisecond, fields: logger.Fields{"instrument": "bybit_linear:ETHUSDT"}, want: []float64{1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batches, set := fakeCloudWatch(t)

			publishMetricDatum(Metric{Component: "feed", Name: "resyncs", Fields: logger.Fields{"instrument": "binance_linear:BTCUSDT"}}, 1)
			set(tc.second)
			fields := tc.fields
			if fields == nil {
				fields = logger.Fields{"instrument": "binance_linear:BTCUSDT"}
			}
			publishMetricDatum(Metric{Component: "feed", Name: "resyncs", Fields: fields}, 2)

			if len(*batches) != len(tc.want) {
				t.Fatalf("expected %d publishes, got %d", len(tc.want), len(*batches))
			}
			for i, want := range tc.want {
				datum := (*batches)[i][0]
				if aws.ToString(datum.MetricName) != "resyncs" || aws.ToFloat64(datum.Value) != want {
					t.Fatalf("publish %d = %s %v, want resyncs %v", i, aws.ToString(datum.MetricName), aws.ToFloat64(datum.Value), want)
				}
			}
		})
	}
}

func TestPublishMetricDatumDimensionsAndUnit(t *testing.T) {
	batches, _ := fakeCloudWatch(t)

	publishMetricDatum(Metric{
		Component: "candle_exporter",
		Name:      "bytes_written",
		Fields:    logger.Fields{"unit": "bytes", "sink": "s3", "exchange": "okx_linear", "attempt": 2},
	}, 4096)

	if len(*batches) != 1 {
		t.Fatalf("expected one publish, got %d", len(*batches))
	}
	datum := (*batches)[0][0]
	if datum.Unit != cwtypes.StandardUnitBytes {
		t.Fatalf("unit = %s, want Bytes", datum.Unit)
	}
	// component first, then string fields by name; unit and non-strings are skipped
	want := []string{"component=candle_exporter", "exchange=okx_linear", "sink=s3"}
	if len(datum.Dimensions) != len(want) {
		t.Fatalf("dimensions = %v", datum.Dimensions)
	}
	for i, d := range datum.Dimensions {
		if got := aws.ToString(d.Name) + "=" + aws.ToString(d.Value); got != want[i] {
			t.Fatalf("dimension %d = %s, want %s", i, got, want[i])
		}
	}
	if datum.Timestamp == nil || datum.Timestamp.IsZero() {
		t.Fatal("expected a timestamp")
	}
}

func TestPublishMetricDatumWithoutClient(t *testing.T) {
	prev := cwState.Load()
	cwState.Store(nil)
	t.Cleanup(func() { cwState.Store(prev) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(Metric{Component: "feed", Name: "resyncs"}, 1)
	if called {
		t.Fatal("nothing must be published before InitCloudWatch")
	}
}
