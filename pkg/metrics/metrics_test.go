package metrics

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRecorderTagsEvents(t *testing.T) {
	mem := NewMemoryObserver()
	rec := NewRecorder(mem, map[string]string{"session_id": "s1"})
	rec.Record(EventTurnFinal, 1, nil)
	evs := mem.Events()
	if len(evs) != 1 || evs[0].Tags["session_id"] != "s1" || evs[0].Time.IsZero() {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: EventLLMCall})
	}
	a.Close()
	a.RecordEvent(MetricsEvent{Name: EventLLMCall})
	if got := mem.Count(EventLLMCall) + int(a.Dropped()); got != 10 {
		t.Fatalf("expected 10 delivered or dropped, got %d", got)
	}
}

func TestSamplingOnlyAffectsNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, EventAudioForwarded)
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: EventAudioForwarded})
		s.RecordEvent(MetricsEvent{Name: EventTurnFinal})
	}
	if mem.Count(EventAudioForwarded) != 2 {
		t.Fatalf("expected 2 sampled audio events, got %d", mem.Count(EventAudioForwarded))
	}
	if mem.Count(EventTurnFinal) != 8 {
		t.Fatalf("unsampled events should all pass")
	}
}

func TestJSONLObserverWritesLine(t *testing.T) {
	var buf bytes.Buffer
	NewMultiObserver(nil, NewJSONLObserver(&buf)).RecordEvent(MetricsEvent{Name: EventSessionEnd, Tags: map[string]string{"mode": "tts"}})
	line := buf.String()
	if !strings.Contains(line, `"name":"session_end"`) || !strings.Contains(line, `"mode":"tts"`) {
		t.Fatalf("unexpected line %s", line)
	}
}

func TestLatencyObserverMeasuresFirstAudio(t *testing.T) {
	mem := NewMemoryObserver()
	obs := NewLatencyObserver(mem, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tags := map[string]string{"session_id": "s1"}
	start := time.Now()

	obs.RecordEvent(MetricsEvent{Name: EventTurnFinal, Time: start, Tags: tags})
	obs.RecordEvent(MetricsEvent{Name: EventLLMCall, Time: start.Add(300 * time.Millisecond), Value: 300, Tags: tags})
	obs.RecordEvent(MetricsEvent{Name: EventAudioForwarded, Time: start.Add(450 * time.Millisecond), Tags: tags})
	obs.RecordEvent(MetricsEvent{Name: EventAudioForwarded, Time: start.Add(500 * time.Millisecond), Tags: tags})

	if mem.Count(EventTurnLatency) != 1 {
		t.Fatalf("expected one latency event, got %d", mem.Count(EventTurnLatency))
	}
	for _, ev := range mem.Events() {
		if ev.Name == EventTurnLatency && (ev.Value != 450 || ev.Fields["llm_ms"] != float64(300)) {
			t.Fatalf("unexpected latency event %+v", ev)
		}
	}
	if mem.Count(EventAudioForwarded) != 2 {
		t.Fatalf("events must pass through")
	}
	if obs.Pending() != 0 {
		t.Fatalf("trace not released")
	}
}

func TestLatencyObserverDropsOnSessionEnd(t *testing.T) {
	obs := NewLatencyObserver(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tags := map[string]string{"session_id": "s2"}
	obs.RecordEvent(MetricsEvent{Name: EventTurnFinal, Time: time.Now(), Tags: tags})
	obs.RecordEvent(MetricsEvent{Name: EventSessionEnd, Time: time.Now(), Tags: tags})
	if obs.Pending() != 0 {
		t.Fatalf("expected no pending traces")
	}
}
