package metrics

import (
	"context"
	"io"
	"log/slog"
)

// LogObserver writes events through slog. The JSONL sink and the debug log
// sink share it.
type LogObserver struct {
	logger *slog.Logger
	level  slog.Level
}

// NewJSONLObserver writes one JSON object per event to w.
func NewJSONLObserver(w io.Writer) *LogObserver {
	if w == nil {
		w = io.Discard
	}
	return &LogObserver{logger: slog.New(slog.NewJSONHandler(w, nil)), level: slog.LevelInfo}
}

// NewLoggerObserver logs events at debug level on an existing logger.
func NewLoggerObserver(log *slog.Logger) *LogObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LogObserver{logger: log, level: slog.LevelDebug}
}

func (o *LogObserver) RecordEvent(ev MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.logger.LogAttrs(context.TODO(), o.level, "metrics", attrs...)
}

type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
