// Package metrics records relay session events through pluggable observers.
package metrics

import "time"

// Event names recorded by the relay.
const (
	EventSessionStart    = "session_start"
	EventSessionEnd      = "session_end"
	EventUpstreamConnect = "upstream_connect"
	EventTurnFinal       = "turn_final"
	EventLLMCall         = "llm_call"
	EventFunctionCall    = "function_call"
	EventAudioForwarded  = "audio_forwarded"
	EventTurnLatency     = "turn_latency"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Recorder stamps events with a fixed tag set, typically the session id
// and mode.
type Recorder struct {
	obs  Observer
	tags map[string]string
}

func NewRecorder(obs Observer, tags map[string]string) Recorder {
	if obs == nil {
		obs = NoopObserver{}
	}
	return Recorder{obs: obs, tags: tags}
}

// Record emits name with value. fields may be nil.
func (r Recorder) Record(name string, value float64, fields map[string]any) {
	r.obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   r.tags,
		Fields: fields,
	})
}

// Since records the elapsed milliseconds from start.
func (r Recorder) Since(name string, start time.Time, fields map[string]any) {
	r.Record(name, float64(time.Since(start).Milliseconds()), fields)
}
