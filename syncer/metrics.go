package syncer

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"goals-sync/domain"
)

type cycleMetrics struct {
	logger       *log.Logger
	start        time.Time
	pullDuration time.Duration
	pushDuration time.Duration
	attempts     int
	forced       bool
	pulled       int
	applied      int
	skipped      int
	pushed       map[domain.Table]int
	deleted      int
	errorStage   string
	traceID      string
}

func newCycleMetrics(ctx context.Context, logger *log.Logger, forced bool) *cycleMetrics {
	m := &cycleMetrics{logger: logger, start: time.Now(), forced: forced, pushed: map[domain.Table]int{}}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		m.traceID = sc.TraceID().String()
	}
	return m
}

func (m *cycleMetrics) reset() {
	m.pulled, m.applied, m.skipped, m.deleted = 0, 0, 0, 0
	m.pushed = map[domain.Table]int{}
	m.errorStage = ""
}

func (m *cycleMetrics) ObservePull(d time.Duration) {
	if d > 0 {
		m.pullDuration = d
	}
}

func (m *cycleMetrics) ObservePush(d time.Duration) {
	if d > 0 {
		m.pushDuration = d
	}
}

func (m *cycleMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *cycleMetrics) totalPushed() int {
	n := 0
	for _, c := range m.pushed {
		n += c
	}
	return n
}

func (m *cycleMetrics) Log(err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"total_ms": durationToMillis(time.Since(m.start)),
		"attempts": m.attempts,
		"forced":   m.forced,
		"pulled":   m.pulled,
		"applied":  m.applied,
		"pushed":   m.totalPushed(),
		"deleted":  m.deleted,
	}
	if m.skipped > 0 {
		fields["skipped"] = m.skipped
	}
	if m.pullDuration > 0 {
		fields["pull_ms"] = durationToMillis(m.pullDuration)
	}
	if m.pushDuration > 0 {
		fields["push_ms"] = durationToMillis(m.pushDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if m.traceID != "" {
		fields["trace_id"] = m.traceID
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("sync.cycle.metrics")
		return
	}
	entry.Info("sync.cycle.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
