package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type streamStat struct {
	messages int64
	bytes    int64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	streams    sync.Map // map[string]*streamStat
	components sync.Map // map[string]*componentStat
)

func componentCounters(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentCounters(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentCounters(component).errors, 1)
}

// RecordStreamMessage counts one frame of size bytes received on stream, for
// example "binance_linear:ws" or "bybit_spot:rest".
func RecordStreamMessage(stream string, size int) {
	v, _ := streams.LoadOrStore(stream, &streamStat{})
	st := v.(*streamStat)
	atomic.AddInt64(&st.messages, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

// StreamReport is a point-in-time copy of one stream's counters.
type StreamReport struct {
	Name     string `json:"name"`
	Messages int64  `json:"messages"`
	Bytes    int64  `json:"bytes"`
}

// ComponentReport is a point-in-time copy of one component's warn/error counts.
type ComponentReport struct {
	Name   string `json:"name"`
	Warns  int64  `json:"warns"`
	Errors int64  `json:"errors"`
}

// RuntimeReport aggregates process and stream statistics.
type RuntimeReport struct {
	Timestamp  time.Time         `json:"timestamp"`
	Goroutines int               `json:"goroutines"`
	HeapMB     float64           `json:"heap_mb"`
	CPUPercent float64           `json:"cpu_percent"`
	MemoryMB   float64           `json:"memory_mb"`
	Streams    []StreamReport    `json:"streams"`
	Components []ComponentReport `json:"components"`
}

// Snapshot collects the current runtime report. Host statistics that cannot
// be read are left at zero.
func Snapshot() RuntimeReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	report := RuntimeReport{
		Timestamp:  time.Now().UTC(),
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     float64(ms.HeapAlloc) / 1024 / 1024,
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		report.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		report.MemoryMB = float64(vm.Used) / 1024 / 1024
	}

	streams.Range(func(k, v any) bool {
		st := v.(*streamStat)
		report.Streams = append(report.Streams, StreamReport{
			Name:     k.(string),
			Messages: atomic.LoadInt64(&st.messages),
			Bytes:    atomic.LoadInt64(&st.bytes),
		})
		return true
	})
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		report.Components = append(report.Components, ComponentReport{
			Name:   k.(string),
			Warns:  atomic.LoadInt64(&cs.warns),
			Errors: atomic.LoadInt64(&cs.errors),
		})
		return true
	})
	sort.Slice(report.Streams, func(i, j int) bool { return report.Streams[i].Name < report.Streams[j].Name })
	sort.Slice(report.Components, func(i, j int) bool { return report.Components[i].Name < report.Components[j].Name })
	return report
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	r := Snapshot()
	streamData := make(map[string]map[string]int64, len(r.Streams))
	for _, s := range r.Streams {
		streamData[s.Name] = map[string]int64{"messages": s.Messages, "bytes": s.Bytes}
	}
	var warns, errs int64
	for _, c := range r.Components {
		warns += c.Warns
		errs += c.Errors
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines":  r.Goroutines,
		"heap_mb":     r.HeapMB,
		"cpu_percent": r.CPUPercent,
		"memory_mb":   r.MemoryMB,
		"streams":     streamData,
		"warns":       warns,
		"errors":      errs,
	}).Info("runtime report")
}
