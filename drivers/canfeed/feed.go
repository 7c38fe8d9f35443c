// Package canfeed publishes steering angle and wheel speeds read from a CAN
// gateway byte stream into their histories.
package canfeed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/descriptor"

	"github.com/timzifer/steerlink/runtime/history"
	"github.com/timzifer/steerlink/steering"
	"github.com/timzifer/steerlink/telemetry"
)

const producerName = "can"

// MessageRef selects a DBC message by name or identifier.
type MessageRef struct {
	Message string
	FrameID string
}

// AngleBinding maps DBC signals onto steering.SteeringAngle.
type AngleBinding struct {
	MessageRef
	// Signal carries the angle in degrees after DBC scaling.
	Signal string
	// RateSignal is optional.
	RateSignal string
}

// WheelBinding maps the four wheel speed signals (km/h) of one message onto
// steering.Velocity.
type WheelBinding struct {
	MessageRef
	FrontLeft  string
	FrontRight string
	RearLeft   string
	RearRight  string
}

// Settings configure the feed.
type Settings struct {
	Protocol       string
	Address        string
	DBC            string
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	BufferSize     int
	Angle          *AngleBinding
	Wheels         *WheelBinding
}

// Histories receive the decoded values.
type Histories struct {
	Angle    *history.History[steering.SteeringAngle]
	Velocity *history.History[steering.Velocity]
}

type frameHandler func(frm can.Frame, ts time.Time) error

// Feed reads frames and publishes decoded values.
type Feed struct {
	settings  Settings
	handlers  map[frameKey][]frameHandler
	logger    zerolog.Logger
	collector telemetry.Collector
	now       func() time.Time

	mu     sync.Mutex
	conn   net.Conn
	buffer []byte
}

// Option customises a feed.
type Option func(*Feed)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Feed) { f.logger = logger }
}

// WithTelemetry sets the collector used for decode error counts.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(f *Feed) {
		if collector != nil {
			f.collector = collector
		}
	}
}

// New loads the DBC file and resolves the signal bindings.
func New(settings Settings, histories Histories, opts ...Option) (*Feed, error) {
	path := strings.TrimSpace(settings.DBC)
	if path == "" {
		return nil, errors.New("can feed: dbc path must not be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can feed: read dbc %s: %w", path, err)
	}
	return NewFromDBC(settings, path, data, histories, opts...)
}

// NewFromDBC is New with the DBC contents supplied directly.
func NewFromDBC(settings Settings, name string, dbcData []byte, histories Histories, opts ...Option) (*Feed, error) {
	if strings.TrimSpace(settings.Address) == "" {
		return nil, errors.New("can feed: address is required")
	}
	db, err := compileDatabase(name, dbcData)
	if err != nil {
		return nil, fmt.Errorf("can feed: %w", err)
	}
	f := &Feed{
		settings:  settings,
		handlers:  make(map[frameKey][]frameHandler),
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("producer", producerName).Str("address", settings.Address).Logger()

	if settings.Angle != nil {
		if histories.Angle == nil {
			return nil, errors.New("can feed: angle binding requires an angle history")
		}
		if err := f.bindAngle(db, *settings.Angle, histories.Angle); err != nil {
			return nil, fmt.Errorf("can feed: angle: %w", err)
		}
	}
	if settings.Wheels != nil {
		if histories.Velocity == nil {
			return nil, errors.New("can feed: wheel binding requires a velocity history")
		}
		if err := f.bindWheels(db, *settings.Wheels, histories.Velocity); err != nil {
			return nil, fmt.Errorf("can feed: wheels: %w", err)
		}
	}
	if len(f.handlers) == 0 {
		return nil, errors.New("can feed: no signal bindings configured")
	}
	if f.settings.BufferSize <= 0 {
		f.settings.BufferSize = 2048
	}
	if f.settings.ReadTimeout <= 0 {
		f.settings.ReadTimeout = 50 * time.Millisecond
	}
	if f.settings.DialTimeout <= 0 {
		f.settings.DialTimeout = 5 * time.Second
	}
	if f.settings.ReconnectDelay <= 0 {
		f.settings.ReconnectDelay = time.Second
	}
	return f, nil
}

func (f *Feed) bindAngle(db *database, binding AngleBinding, target *history.History[steering.SteeringAngle]) error {
	msg, err := db.message(binding.MessageRef)
	if err != nil {
		return err
	}
	angle, err := signal(msg, binding.Signal)
	if err != nil {
		return err
	}
	var rate *descriptor.Signal
	if binding.RateSignal != "" {
		if rate, err = signal(msg, binding.RateSignal); err != nil {
			return err
		}
	}
	f.bind(msg, func(frm can.Frame, ts time.Time) error {
		if err := fitsPayload(angle, frm.Length); err != nil {
			return err
		}
		value := steering.SteeringAngle{DeciDegrees: clampInt16(angle.UnmarshalPhysical(frm.Data) * 10)}
		if rate != nil && fitsPayload(rate, frm.Length) == nil {
			value.Rate = clampUint8(rate.UnmarshalPhysical(frm.Data))
		}
		return target.Update(ts, value)
	})
	return nil
}

func (f *Feed) bindWheels(db *database, binding WheelBinding, target *history.History[steering.Velocity]) error {
	msg, err := db.message(binding.MessageRef)
	if err != nil {
		return err
	}
	var wheels [4]*descriptor.Signal
	for i, name := range [4]string{binding.FrontLeft, binding.FrontRight, binding.RearLeft, binding.RearRight} {
		if wheels[i], err = signal(msg, name); err != nil {
			return err
		}
	}
	f.bind(msg, func(frm can.Frame, ts time.Time) error {
		var speeds [4]float64
		for i, wheel := range wheels {
			if err := fitsPayload(wheel, frm.Length); err != nil {
				return err
			}
			speeds[i] = wheel.UnmarshalPhysical(frm.Data)
		}
		return target.Update(ts, steering.Velocity{
			FrontLeft:  speeds[0],
			FrontRight: speeds[1],
			RearLeft:   speeds[2],
			RearRight:  speeds[3],
		})
	})
	return nil
}

func (f *Feed) bind(msg *descriptor.Message, handle frameHandler) {
	key := frameKey{id: msg.ID, extended: msg.IsExtended}
	f.handlers[key] = append(f.handlers[key], handle)
}

// Run reads until ctx is cancelled. Connection failures are retried after the
// reconnect delay.
func (f *Feed) Run(ctx context.Context) error {
	defer f.Close()
	tmp := make([]byte, f.settings.BufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := f.ensureConnection(ctx)
		if err != nil {
			f.collector.IncProducerErrors(producerName, 1)
			f.logger.Error().Err(err).Msg("can stream connection failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(f.settings.ReconnectDelay):
			}
			continue
		}
		if err := f.readOnce(conn, tmp); err != nil {
			f.collector.IncProducerErrors(producerName, 1)
			f.logger.Error().Err(err).Msg("can stream read failed")
			f.Close()
		}
	}
}

func (f *Feed) readOnce(conn net.Conn, tmp []byte) error {
	if err := conn.SetReadDeadline(time.Now().Add(f.settings.ReadTimeout)); err != nil {
		f.logger.Debug().Err(err).Msg("set read deadline failed")
	}
	n, err := conn.Read(tmp)
	if n > 0 {
		f.buffer = append(f.buffer, tmp[:n]...)
		if errs := f.drainBuffer(f.now()); errs > 0 {
			f.collector.IncProducerErrors(producerName, errs)
		}
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

// drainBuffer decodes every complete frame in the buffer and publishes the
// last frame per identifier with ts. Earlier frames of the same identifier in
// one read would share ts with it and never be seen as newer by a consumer.
func (f *Feed) drainBuffer(ts time.Time) int {
	errs := 0
	offset := 0
	var order []frameKey
	latest := make(map[frameKey]can.Frame)
	for offset < len(f.buffer) {
		frm, consumed, err := decodeFrame(f.buffer[offset:])
		if err != nil {
			errs++
			f.logger.Error().Err(err).Msg("decode CAN frame failed")
			offset++
			continue
		}
		if consumed == 0 {
			break
		}
		offset += consumed
		key := keyOf(frm)
		if frm.IsRemote || len(f.handlers[key]) == 0 {
			continue
		}
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = frm
	}
	if offset > 0 {
		f.buffer = append(f.buffer[:0], f.buffer[offset:]...)
	}
	for _, key := range order {
		errs += f.applyFrame(latest[key], ts)
	}
	return errs
}

func (f *Feed) applyFrame(frm can.Frame, ts time.Time) int {
	errs := 0
	for _, handle := range f.handlers[keyOf(frm)] {
		if err := handle(frm, ts); err != nil {
			errs++
			f.logger.Error().Err(err).Uint32("frame_id", frm.ID).Msg("apply CAN frame failed")
		}
	}
	return errs
}

func (f *Feed) ensureConnection(ctx context.Context) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn, nil
	}
	protocol := strings.ToLower(strings.TrimSpace(f.settings.Protocol))
	if protocol == "" {
		protocol = "udp"
	}
	address := strings.TrimSpace(f.settings.Address)
	switch protocol {
	case "udp", "tcp":
		dialer := &net.Dialer{Timeout: f.settings.DialTimeout}
		conn, err := dialer.DialContext(ctx, protocol, address)
		if err != nil {
			return nil, fmt.Errorf("dial %s %s: %w", protocol, address, err)
		}
		f.conn = conn
		f.buffer = f.buffer[:0]
		f.logger.Info().Str("protocol", protocol).Msg("can stream connected")
	default:
		return nil, fmt.Errorf("unsupported CAN protocol %q", protocol)
	}
	return f.conn, nil
}

// Close drops the connection. Run reconnects on its next iteration.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
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

func clampUint8(v float64) uint8 {
	r := math.Round(v)
	switch {
	case r > math.MaxUint8:
		return math.MaxUint8
	case r < 0:
		return 0
	}
	return uint8(r)
}
