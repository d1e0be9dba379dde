package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrSessionID  = attribute.Key("chat.session_id")
	attrTurnKind   = attribute.Key("chat.turn.kind")
	attrTurnResult = attribute.Key("chat.turn.result")
	attrCacheHit   = attribute.Key("cache.outcome")
)

// TurnOutcome labels how a streaming turn ended.
type TurnOutcome string

const (
	TurnCompleted TurnOutcome = "completed"
	TurnAborted   TurnOutcome = "aborted"
	TurnErrored   TurnOutcome = "errored"
)

// CacheOutcome labels a session cache resolution.
type CacheOutcome string

const (
	CacheHit      CacheOutcome = "hit"
	CacheMiss     CacheOutcome = "miss"
	CacheRefresh  CacheOutcome = "refresh"
	CacheInflight CacheOutcome = "inflight"
)

type metrics struct {
	turns        metric.Int64Counter
	turnLatency  metric.Float64Histogram
	chunks       metric.Int64Counter
	cacheLookups metric.Int64Counter
}

// TurnData captures the metadata recorded for each completed stream.
type TurnData struct {
	Kind      string // "send" or "observe"
	SessionID string
	Outcome   TurnOutcome
	Duration  time.Duration
}

func newMetrics(m metric.Meter) (*metrics, error) {
	if m == nil {
		return &metrics{}, nil
	}
	turns, err := m.Int64Counter("chat.turns.total", metric.WithDescription("Total number of streaming turns started."))
	if err != nil {
		return nil, err
	}
	latency, err := m.Float64Histogram("chat.turn.latency.ms", metric.WithDescription("Turn end-to-end latency in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	chunks, err := m.Int64Counter("chat.chunks.total", metric.WithDescription("Total number of stream chunks processed."))
	if err != nil {
		return nil, err
	}
	cacheLookups, err := m.Int64Counter("chat.cache.lookups.total", metric.WithDescription("Session cache resolutions by outcome."))
	if err != nil {
		return nil, err
	}
	return &metrics{
		turns:        turns,
		turnLatency:  latency,
		chunks:       chunks,
		cacheLookups: cacheLookups,
	}, nil
}

func (m *metrics) RecordTurn(ctx context.Context, data TurnData) {
	if m == nil || m.turns == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 3)
	if data.Kind != "" {
		attrs = append(attrs, attrTurnKind.String(data.Kind))
	}
	if data.SessionID != "" {
		attrs = append(attrs, attrSessionID.String(data.SessionID))
	}
	if data.Outcome != "" {
		attrs = append(attrs, attrTurnResult.String(string(data.Outcome)))
	}
	set := metric.WithAttributes(attrs...)
	m.turns.Add(ctx, 1, set)
	if data.Duration > 0 {
		m.turnLatency.Record(ctx, float64(data.Duration)/float64(time.Millisecond), set)
	}
}

func (m *metrics) RecordChunks(ctx context.Context, sessionID string, n int64) {
	if m == nil || m.chunks == nil || n <= 0 {
		return
	}
	m.chunks.Add(ctx, n, metric.WithAttributes(attrSessionID.String(sessionID)))
}

func (m *metrics) RecordCacheLookup(ctx context.Context, outcome CacheOutcome) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrCacheHit.String(string(outcome))))
}
