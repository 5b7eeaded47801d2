package dashboard

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"depthflow/internal/metrics"
)

// metricStore keeps the most recent metrics passed to the metric handlers.
type metricStore struct {
	mu    sync.RWMutex
	items []metrics.Metric
	limit int
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = 200
	}
	return &metricStore{limit: limit}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, metric)
	if len(s.items) > s.limit {
		s.items = append([]metrics.Metric(nil), s.items[len(s.items)-s.limit:]...)
	}
}

func (s *metricStore) snapshot() []metrics.Metric {
	return s.query("", "")
}

// query matches the component exactly and the metric name by prefix, so
// "binance_linear_" selects every queue metric of that venue.
func (s *metricStore) query(component, namePrefix string) []metrics.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metrics.Metric, 0, len(s.items))
	for _, m := range s.items {
		if component != "" && m.Component != component {
			continue
		}
		if !strings.HasPrefix(m.Name, namePrefix) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// logRecord is a captured log entry as served by /api/logs.
type logRecord struct {
	Timestamp  time.Time              `json:"timestamp"`
	Level      string                 `json:"level"`
	Component  string                 `json:"component,omitempty"`
	Instrument string                 `json:"instrument,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`

	level logrus.Level
}

// logStore is a logrus hook that keeps the most recent entries.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		level:     entry.Level,
	}

	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}
	if inst, ok := entry.Data["instrument"].(string); ok {
		record.Instrument = inst
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" || k == "instrument" {
				continue
			}

			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.mu.Lock()
	s.items = append(s.items, record)
	if len(s.items) > s.limit {
		s.items = append([]logRecord(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
	return nil
}

func (s *logStore) snapshot() []logRecord {
	return s.query(logFilter{})
}

// logFilter narrows /api/logs. Empty fields match everything.
type logFilter struct {
	hasLevel   bool
	minLevel   logrus.Level
	component  string
	instrument string
}

// query returns the matching records, newest last. A record matches when it
// is at least as severe as minLevel.
func (s *logStore) query(f logFilter) []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]logRecord, 0, len(s.items))
	for _, r := range s.items {
		if f.hasLevel && r.level > f.minLevel {
			continue
		}
		if f.component != "" && r.Component != f.component {
			continue
		}
		if f.instrument != "" && r.Instrument != f.instrument {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
