package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// LatencyObserver derives the spoken response latency of each turn: from
// the finalized transcript to the first audio sent back. It forwards every
// event to inner and adds a turn_latency event per measured turn.
type LatencyObserver struct {
	mu     sync.Mutex
	inner  Observer
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	turnFinal time.Time
	llmMS     float64
	tags      map[string]string
}

func NewLatencyObserver(inner Observer, log *slog.Logger) *LatencyObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		inner:  inner,
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev MetricsEvent) {
	o.inner.RecordEvent(ev)

	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	var derived *MetricsEvent
	switch ev.Name {
	case EventTurnFinal:
		o.traces[sessionID] = &trace{turnFinal: ev.Time, llmMS: -1, tags: ev.Tags}
	case EventLLMCall:
		if t := o.traces[sessionID]; t != nil && t.llmMS < 0 {
			t.llmMS = ev.Value
		}
	case EventAudioForwarded:
		if t := o.traces[sessionID]; t != nil {
			ms := durationMs(t.turnFinal, ev.Time)
			derived = &MetricsEvent{
				Name:   EventTurnLatency,
				Time:   ev.Time,
				Value:  float64(ms),
				Tags:   t.tags,
				Fields: map[string]any{"llm_ms": t.llmMS},
			}
			delete(o.traces, sessionID)
		}
	case EventSessionEnd:
		delete(o.traces, sessionID)
	}
	o.mu.Unlock()

	if derived != nil {
		o.log.Info("turn_latency",
			slog.String("session_id", sessionID),
			slog.Int64("first_audio_ms", int64(derived.Value)),
			slog.Float64("llm_ms", derived.Fields["llm_ms"].(float64)),
		)
		o.inner.RecordEvent(*derived)
	}
}

// Pending reports how many turns are waiting for audio.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
