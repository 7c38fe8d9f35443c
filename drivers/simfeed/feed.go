// Package simfeed produces synthetic steering data for demos and tests.
package simfeed

import (
	"context"
	"errors"
	"math"
	mathrand "math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/steerlink/runtime/history"
	"github.com/timzifer/steerlink/steering"
	"github.com/timzifer/steerlink/telemetry"
)

const producerName = "simulation"

// Settings shape the generated signals.
type Settings struct {
	// Interval between samples.
	Interval time.Duration
	// Seed makes the noise reproducible. A nil seed uses the wall clock.
	Seed *int64
	// Noise is the peak amplitude added to every wheel speed, in km/h.
	Noise          float64
	AngleAmplitude float64
	AnglePeriod    time.Duration
	MaxSpeed       float64
	RampDuration   time.Duration
	// TorqueGain converts degrees of steering angle into torque offset units.
	TorqueGain float64
}

// Histories receive the generated values. Nil entries are skipped.
type Histories struct {
	Angle    *history.History[steering.SteeringAngle]
	Velocity *history.History[steering.Velocity]
	Torque   *history.History[steering.ControlCommand]
}

// Sample is one generated set of values.
type Sample struct {
	Angle    steering.SteeringAngle
	Velocity steering.Velocity
	Command  steering.ControlCommand
}

// Feed generates samples at a fixed interval.
type Feed struct {
	settings  Settings
	histories Histories
	rng       *mathrand.Rand
	logger    zerolog.Logger
	collector telemetry.Collector
	start     time.Time
}

// New validates settings and applies defaults.
func New(settings Settings, histories Histories, logger zerolog.Logger, collector telemetry.Collector) (*Feed, error) {
	if histories.Angle == nil && histories.Velocity == nil && histories.Torque == nil {
		return nil, errors.New("simulation: no histories to feed")
	}
	if settings.Interval <= 0 {
		settings.Interval = 20 * time.Millisecond
	}
	if settings.AngleAmplitude == 0 {
		settings.AngleAmplitude = 30
	}
	if settings.AnglePeriod <= 0 {
		settings.AnglePeriod = 8 * time.Second
	}
	if settings.MaxSpeed == 0 {
		settings.MaxSpeed = 50
	}
	if settings.RampDuration <= 0 {
		settings.RampDuration = 20 * time.Second
	}
	if settings.TorqueGain == 0 {
		settings.TorqueGain = 2
	}
	seed := time.Now().UnixNano()
	if settings.Seed != nil {
		seed = *settings.Seed
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Feed{
		settings:  settings,
		histories: histories,
		rng:       mathrand.New(mathrand.NewSource(seed)),
		logger:    logger.With().Str("producer", producerName).Logger(),
		collector: collector,
	}, nil
}

// Sample computes the values at elapsed time since the feed started.
func (f *Feed) Sample(elapsed time.Duration) Sample {
	s := f.settings
	phase := 2 * math.Pi * float64(elapsed) / float64(s.AnglePeriod)
	degrees := s.AngleAmplitude * math.Sin(phase)

	ramp := float64(elapsed) / float64(s.RampDuration)
	if ramp > 1 {
		ramp = 1
	}
	base := s.MaxSpeed * ramp
	wheel := func() float64 {
		v := base
		if s.Noise > 0 {
			v += (f.rng.Float64()*2 - 1) * s.Noise
		}
		if v < 0 {
			return 0
		}
		return v
	}

	return Sample{
		Angle: steering.SteeringAngle{
			DeciDegrees: clampInt16(degrees * 10),
			Rate:        uint8(math.Min(255, math.Abs(s.AngleAmplitude*math.Cos(phase)*2*math.Pi/s.AnglePeriod.Seconds()))),
		},
		Velocity: steering.Velocity{FrontLeft: wheel(), FrontRight: wheel(), RearLeft: wheel(), RearRight: wheel()},
		Command:  steering.ControlCommand{TorqueOffset: clampInt8(-degrees * s.TorqueGain)},
	}
}

// Publish writes one sample into the histories.
func (f *Feed) Publish(ts time.Time, sample Sample) {
	errs := 0
	if f.histories.Angle != nil && f.histories.Angle.Update(ts, sample.Angle) != nil {
		errs++
	}
	if f.histories.Velocity != nil && f.histories.Velocity.Update(ts, sample.Velocity) != nil {
		errs++
	}
	if f.histories.Torque != nil && f.histories.Torque.Update(ts, sample.Command) != nil {
		errs++
	}
	if errs > 0 {
		f.collector.IncProducerErrors(producerName, errs)
		f.logger.Debug().Int("errors", errs).Msg("sample rejected")
	}
}

// Run publishes samples until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.start = time.Now()
	ticker := time.NewTicker(f.settings.Interval)
	defer ticker.Stop()
	f.logger.Info().Dur("interval", f.settings.Interval).Msg("simulation started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			f.Publish(now, f.Sample(now.Sub(f.start)))
		}
	}
}

func clampInt16(v float64) int16 {
	r := math.Round(v)
	switch {
	case r > math.MaxInt16:
		return math.MaxInt16
	case r < math.MinInt16:
		return math.MinInt16
	}
	return int16(r)
}

func clampInt8(v float64) int8 {
	r := math.Round(v)
	switch {
	case r > math.MaxInt8:
		return math.MaxInt8
	case r < math.MinInt8:
		return math.MinInt8
	}
	return int8(r)
}
