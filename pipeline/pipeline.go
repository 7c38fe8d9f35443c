// Package pipeline assembles histories, consumer workers, sinks and producers
// into a runnable steering telemetry service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/steerlink/drivers/canfeed"
	"github.com/timzifer/steerlink/drivers/mqttuplink"
	"github.com/timzifer/steerlink/drivers/simfeed"
	"github.com/timzifer/steerlink/internal/config"
	"github.com/timzifer/steerlink/internal/rules"
	"github.com/timzifer/steerlink/journal"
	"github.com/timzifer/steerlink/runtime/consumer"
	"github.com/timzifer/steerlink/runtime/history"
	"github.com/timzifer/steerlink/steering"
	"github.com/timzifer/steerlink/telemetry"
	"github.com/timzifer/steerlink/uibridge"
)

// Histories holds the latest-value stores of the three streams.
type Histories struct {
	Angle    *history.History[steering.SteeringAngle]
	Velocity *history.History[steering.Velocity]
	Torque   *history.History[steering.ControlCommand]
}

// NewHistories creates empty histories.
func NewHistories() Histories {
	return Histories{
		Angle:    history.New[steering.SteeringAngle](steering.StreamSteeringAngle),
		Velocity: history.New[steering.Velocity](steering.StreamVelocity),
		Torque:   history.New[steering.ControlCommand](steering.StreamTorqueOffset),
	}
}

type worker interface {
	Name() string
	Run(ctx context.Context) error
	RequestStop()
	Status() consumer.Status
}

type producer struct {
	name string
	run  func(ctx context.Context) error
}

// Pipeline owns every running component.
type Pipeline struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector
	histories Histories

	bridge  *uibridge.Bridge
	journal *journal.Journal
	uplink  *mqttuplink.Uplink

	workers   []worker
	producers []producer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// New builds the pipeline described by cfg.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("configuration must not be nil")
	}
	s := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&s); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{
		cfg:       cfg,
		logger:    s.logger,
		collector: s.telemetry,
	}
	if s.histories != nil {
		p.histories = *s.histories
	} else {
		p.histories = NewHistories()
	}

	ui := s.ui
	if ui == nil {
		p.bridge = uibridge.New(cfg.UI.Buffer, p.collector)
		ui = &UISinks{
			Angle:    p.bridge,
			Velocity: p.bridge.TextSink(uibridge.KindVelocity),
			Torque:   p.bridge.TextSink(uibridge.KindTorque),
		}
	}

	if err := p.buildWorkers(*ui); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.buildProducers(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) consumerOptions() []consumer.Option {
	opts := []consumer.Option{
		consumer.WithSlice(p.cfg.SliceTimeout()),
		consumer.WithLogger(p.logger),
		consumer.WithTelemetry(p.collector),
	}
	if window := p.cfg.Workers.Window.Duration; window > 0 {
		opts = append(opts, consumer.WithWindow(window))
	}
	return opts
}

func (p *Pipeline) workerOptions(stream string, sc config.StreamConfig) (steering.WorkerOptions, error) {
	opts := steering.WorkerOptions{Consumer: p.consumerOptions()}
	if len(sc.Alerts) > 0 {
		compiled, err := rules.CompileAll(sc.Alerts)
		if err != nil {
			return opts, fmt.Errorf("stream %s: %w", stream, err)
		}
		opts.Alerts = rules.NewSet(compiled, p.logger.With().Str("stream", stream).Logger())
	}
	return opts, nil
}

func (p *Pipeline) buildWorkers(ui UISinks) error {
	w := p.cfg.Workers
	if !w.SteeringAngle.Disabled {
		opts, err := p.workerOptions(steering.StreamSteeringAngle, w.SteeringAngle)
		if err != nil {
			return err
		}
		p.workers = append(p.workers, steering.NewSteeringAngleWorker(p.histories.Angle, ui.Angle, opts))
	}
	if !w.Velocity.Disabled {
		opts, err := p.workerOptions(steering.StreamVelocity, w.Velocity)
		if err != nil {
			return err
		}
		p.workers = append(p.workers, steering.NewVelocityWorker(p.histories.Velocity, ui.Velocity, opts))
	}
	if !w.TorqueOffset.Disabled {
		opts, err := p.workerOptions(steering.StreamTorqueOffset, w.TorqueOffset)
		if err != nil {
			return err
		}
		p.workers = append(p.workers, steering.NewTorqueOffsetWorker(p.histories.Torque, ui.Torque, opts))
	}

	if p.cfg.Journal.Enabled {
		if err := p.buildJournal(); err != nil {
			return err
		}
	}
	if p.cfg.Uplink.Enabled {
		if err := p.buildUplink(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) buildJournal() error {
	jc := p.cfg.Journal
	j, err := journal.Open(journal.Settings{
		Dir:          p.cfg.ResolvePath(jc.Dir),
		Buffer:       jc.Buffer,
		PollInterval: jc.PollInterval.Duration,
	}, p.collector)
	if err != nil {
		return err
	}
	p.journal = j

	angles, err := j.Log(steering.SteeringAnglesLogRoot)
	if err != nil {
		return err
	}
	commands, err := j.Log(steering.SteeringCommandsLogRoot)
	if err != nil {
		return err
	}
	angleName := "journal." + steering.StreamSteeringAngle
	torqueName := "journal." + steering.StreamTorqueOffset
	p.workers = append(p.workers,
		consumer.New[steering.SteeringAngle](angleName, p.histories.Angle,
			journal.Handler[steering.SteeringAngle](angles), p.consumerOptions()...),
		consumer.New[steering.ControlCommand](torqueName, p.histories.Torque,
			journal.Handler[steering.ControlCommand](commands), p.consumerOptions()...),
	)
	p.logger.Info().Str("session", j.Session()).Str("dir", j.Dir()).Msg("journal opened")
	return nil
}

func (p *Pipeline) buildUplink() error {
	uc := p.cfg.Uplink
	settings := mqttuplink.Settings{
		Broker:         uc.Broker,
		ClientID:       uc.ClientID,
		Username:       uc.Username,
		Password:       uc.Password,
		TopicPrefix:    uc.TopicPrefix,
		QoS:            uc.QoS,
		Retain:         uc.Retain,
		KeepAlive:      uc.KeepAlive.Duration,
		ConnectTimeout: uc.ConnectTimeout.Duration,
	}
	if uc.TLS != nil {
		settings.TLS = &mqttuplink.TLSSettings{
			Enabled:            uc.TLS.Enabled,
			CAFile:             p.cfg.ResolvePath(uc.TLS.CAFile),
			CertFile:           p.cfg.ResolvePath(uc.TLS.CertFile),
			KeyFile:            p.cfg.ResolvePath(uc.TLS.KeyFile),
			ServerName:         uc.TLS.ServerName,
			InsecureSkipVerify: uc.TLS.InsecureSkipVerify,
		}
	}
	u, err := mqttuplink.Connect(settings, p.logger, p.collector)
	if err != nil {
		return err
	}
	p.uplink = u

	angleName := "uplink." + steering.StreamSteeringAngle
	velocityName := "uplink." + steering.StreamVelocity
	torqueName := "uplink." + steering.StreamTorqueOffset
	p.workers = append(p.workers,
		consumer.New[steering.SteeringAngle](angleName, p.histories.Angle,
			mqttuplink.Handler[steering.SteeringAngle](u, steering.StreamSteeringAngle), p.consumerOptions()...),
		consumer.New[steering.Velocity](velocityName, p.histories.Velocity,
			mqttuplink.Handler[steering.Velocity](u, steering.StreamVelocity), p.consumerOptions()...),
		consumer.New[steering.ControlCommand](torqueName, p.histories.Torque,
			mqttuplink.Handler[steering.ControlCommand](u, steering.StreamTorqueOffset), p.consumerOptions()...),
	)
	return nil
}

func (p *Pipeline) buildProducers() error {
	if cc := p.cfg.CAN; cc.Enabled {
		settings := canfeed.Settings{
			Protocol:       cc.Protocol,
			Address:        cc.Address,
			DBC:            p.cfg.ResolvePath(cc.DBC),
			DialTimeout:    cc.DialTimeout.Duration,
			ReadTimeout:    cc.ReadTimeout.Duration,
			ReconnectDelay: cc.ReconnectDelay.Duration,
			BufferSize:     cc.BufferSize,
		}
		if settings.ReadTimeout <= 0 {
			settings.ReadTimeout = p.cfg.SliceTimeout()
		}
		if a := cc.Angle; a != nil {
			settings.Angle = &canfeed.AngleBinding{
				MessageRef: canfeed.MessageRef{Message: a.Message, FrameID: a.FrameID},
				Signal:     a.Signal,
				RateSignal: a.RateSignal,
			}
		}
		if w := cc.Wheels; w != nil {
			settings.Wheels = &canfeed.WheelBinding{
				MessageRef: canfeed.MessageRef{Message: w.Message, FrameID: w.FrameID},
				FrontLeft:  w.FrontLeft,
				FrontRight: w.FrontRight,
				RearLeft:   w.RearLeft,
				RearRight:  w.RearRight,
			}
		}
		feed, err := canfeed.New(settings, canfeed.Histories{Angle: p.histories.Angle, Velocity: p.histories.Velocity},
			canfeed.WithLogger(p.logger), canfeed.WithTelemetry(p.collector))
		if err != nil {
			return err
		}
		p.producers = append(p.producers, producer{name: "can", run: feed.Run})
	}

	if sc := p.cfg.Simulation; sc.Enabled {
		feed, err := simfeed.New(simfeed.Settings{
			Interval:       sc.Interval.Duration,
			Seed:           sc.Seed,
			Noise:          sc.Noise,
			AngleAmplitude: sc.AngleAmplitude,
			AnglePeriod:    sc.AnglePeriod.Duration,
			MaxSpeed:       sc.MaxSpeed,
			RampDuration:   sc.RampDuration.Duration,
			TorqueGain:     sc.TorqueGain,
		}, simfeed.Histories{
			Angle:    p.histories.Angle,
			Velocity: p.histories.Velocity,
			Torque:   p.histories.Torque,
		}, p.logger, p.collector)
		if err != nil {
			return err
		}
		p.producers = append(p.producers, producer{name: "simulation", run: feed.Run})
	}
	return nil
}

// Histories returns the stores the pipeline reads from.
func (p *Pipeline) Histories() Histories { return p.histories }

// UI returns the default UI bridge, or nil when custom sinks were supplied.
func (p *Pipeline) UI() *uibridge.Bridge { return p.bridge }

// Run starts every worker and producer and blocks until ctx is cancelled,
// Stop is called or a component fails. All workers are joined before Run
// returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pipeline already running")
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.cancel = nil
		p.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(runCtx)
	for _, prod := range p.producers {
		prod := prod
		g.Go(func() error {
			if err := prod.run(gctx); err != nil {
				return fmt.Errorf("producer %s: %w", prod.name, err)
			}
			return nil
		})
	}
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, w := range p.workers {
			w.RequestStop()
		}
		return nil
	})

	p.logger.Info().Int("workers", len(p.workers)).Int("producers", len(p.producers)).Msg("pipeline started")
	err := g.Wait()
	p.logger.Info().Err(err).Msg("pipeline stopped")
	return err
}

// Stop asks a running pipeline to shut down. Run returns once every worker
// has been joined.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns the counters of every worker.
func (p *Pipeline) Status() []consumer.Status {
	statuses := make([]consumer.Status, 0, len(p.workers))
	for _, w := range p.workers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}

// Close releases sinks: the journal is flushed, the uplink disconnected and
// the UI bridge closed. Close must only be called after Run has returned.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.journal != nil {
			err = p.journal.Close()
		}
		if p.uplink != nil {
			p.uplink.Close()
		}
		if p.bridge != nil {
			p.bridge.Close()
		}
	})
	return err
}
