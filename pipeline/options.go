package pipeline

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/timzifer/steerlink/steering"
	"github.com/timzifer/steerlink/telemetry"
)

// Option configures the pipeline during construction.
type Option func(*settings) error

// UISinks are the display callbacks of the three steering workers.
type UISinks struct {
	Angle    steering.AngleSink
	Velocity steering.TextSink
	Torque   steering.TextSink
}

type settings struct {
	logger    zerolog.Logger
	telemetry telemetry.Collector
	ui        *UISinks
	histories *Histories
}

// WithLogger provides the logger used by every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		cfg.logger = logger
		return nil
	}
}

// WithTelemetry injects a collector. A nil collector disables metrics.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		return nil
	}
}

// WithUISink replaces the default UI bridge with direct sinks.
func WithUISink(sinks UISinks) Option {
	return func(cfg *settings) error {
		if sinks.Angle == nil || sinks.Velocity == nil || sinks.Torque == nil {
			return errors.New("ui sinks must all be set")
		}
		cfg.ui = &sinks
		return nil
	}
}

// WithHistories shares externally owned histories with the pipeline.
func WithHistories(h Histories) Option {
	return func(cfg *settings) error {
		if h.Angle == nil || h.Velocity == nil || h.Torque == nil {
			return errors.New("histories must all be set")
		}
		cfg.histories = &h
		return nil
	}
}
