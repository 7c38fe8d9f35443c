package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/steerlink/internal/config"
)

// Setup creates a zerolog logger writing to out and, when enabled, to Loki.
// The returned cleanup stops the Loki client.
func Setup(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano, NoColor: out != os.Stdout}
	}

	writers := []io.Writer{out}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		lokiWriter, closer, err := newLokiWriter(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, lokiWriter)
		cleanup = closer
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).With().Timestamp().Str("service", "steerlink").Logger().Level(level)
	return logger, cleanup, nil
}

// streamLabels are event fields promoted to Loki stream labels. Their values
// come from a small fixed set of stream, producer and sink names.
var streamLabels = []string{"stream", "producer", "sink"}

func newLokiWriter(cfg config.LokiConfig) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}
	return newLabelledWriter(client, cfg.Labels), client.Stop, nil
}

type lokiSink interface {
	Handle(labels model.LabelSet, ts time.Time, line string) error
}

// lokiWriter ships each zerolog event as one Loki entry labelled with its
// level and the stream it concerns.
type lokiWriter struct {
	sink   lokiSink
	labels model.LabelSet
}

func newLabelledWriter(sink lokiSink, static map[string]string) *lokiWriter {
	labels := model.LabelSet{"app": "steerlink"}
	for k, v := range static {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return &lokiWriter{sink: sink, labels: labels}
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	return l.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	return len(p), l.sink.Handle(l.eventLabels(level, p), time.Now(), entry)
}

func (l *lokiWriter) eventLabels(level zerolog.Level, p []byte) model.LabelSet {
	labels := l.labels.Clone()
	if level != zerolog.NoLevel {
		labels["level"] = model.LabelValue(level.String())
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return labels
	}
	for _, name := range streamLabels {
		if v, ok := fields[name].(string); ok && v != "" {
			labels[model.LabelName(name)] = model.LabelValue(v)
		}
	}
	return labels
}
