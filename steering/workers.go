package steering

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/timzifer/steerlink/internal/rules"
	"github.com/timzifer/steerlink/runtime/consumer"
	"github.com/timzifer/steerlink/runtime/history"
)

// SteeringAngleWorker forwards steering angles to an AngleSink.
type SteeringAngleWorker = consumer.Worker[SteeringAngle]

// VelocityWorker forwards average wheel velocity text to a TextSink.
type VelocityWorker = consumer.Worker[Velocity]

// TorqueOffsetWorker forwards steering torque offset text to a TextSink.
type TorqueOffsetWorker = consumer.Worker[ControlCommand]

// WorkerOptions bundles the settings shared by the stream workers.
type WorkerOptions struct {
	Consumer []consumer.Option
	Alerts   *rules.Set
}

type angleHandler struct {
	sink   AngleSink
	alerts *rules.Set
}

func (h angleHandler) ProcessValue(value history.Timestamped[SteeringAngle]) error {
	h.sink.SteeringAngleChanged(value.Value.DeciDegrees)
	if h.alerts.Len() > 0 {
		h.alerts.Evaluate(map[string]interface{}{
			"stream":       StreamSteeringAngle,
			"deci_degrees": float64(value.Value.DeciDegrees),
			"degrees":      value.Value.Degrees(),
			"rate":         float64(value.Value.Rate),
		})
	}
	return nil
}

// NewSteeringAngleWorker creates the worker publishing steering angles.
func NewSteeringAngleWorker(h consumer.Source[SteeringAngle], sink AngleSink, opts WorkerOptions) *SteeringAngleWorker {
	if sink == nil {
		panic("steering: angle worker requires a sink")
	}
	return consumer.New[SteeringAngle](StreamSteeringAngle, h, angleHandler{sink: sink, alerts: opts.Alerts}, opts.Consumer...)
}

type velocityHandler struct {
	sink   TextSink
	alerts *rules.Set
}

func (h velocityHandler) ProcessValue(value history.Timestamped[Velocity]) error {
	avg := value.Value.Average()
	h.sink.TextChanged(formatKmh(avg))
	if h.alerts.Len() > 0 {
		kmh, _ := avg.Float64()
		h.alerts.Evaluate(map[string]interface{}{
			"stream":      StreamVelocity,
			"kmh":         kmh,
			"front_left":  value.Value.FrontLeft,
			"front_right": value.Value.FrontRight,
			"rear_left":   value.Value.RearLeft,
			"rear_right":  value.Value.RearRight,
		})
	}
	return nil
}

// NewVelocityWorker creates the worker publishing average wheel velocity as text.
func NewVelocityWorker(h consumer.Source[Velocity], sink TextSink, opts WorkerOptions) *VelocityWorker {
	if sink == nil {
		panic("steering: velocity worker requires a sink")
	}
	return consumer.New[Velocity](StreamVelocity, h, velocityHandler{sink: sink, alerts: opts.Alerts}, opts.Consumer...)
}

type torqueHandler struct {
	sink   TextSink
	alerts *rules.Set
}

func (h torqueHandler) ProcessValue(value history.Timestamped[ControlCommand]) error {
	h.sink.TextChanged(FormatTorqueOffset(value.Value))
	if h.alerts.Len() > 0 {
		env := map[string]interface{}{
			"stream": StreamTorqueOffset,
			"torque": float64(value.Value.TorqueOffset),
		}
		if value.Value.TargetDeciDegrees != nil {
			env["target_degrees"] = float64(*value.Value.TargetDeciDegrees) / 10
		}
		h.alerts.Evaluate(env)
	}
	return nil
}

// NewTorqueOffsetWorker creates the worker publishing the commanded torque offset.
func NewTorqueOffsetWorker(h consumer.Source[ControlCommand], sink TextSink, opts WorkerOptions) *TorqueOffsetWorker {
	if sink == nil {
		panic("steering: torque worker requires a sink")
	}
	return consumer.New[ControlCommand](StreamTorqueOffset, h, torqueHandler{sink: sink, alerts: opts.Alerts}, opts.Consumer...)
}

// FormatVelocity renders the average wheel speed with one decimal.
func FormatVelocity(v Velocity) string {
	return formatKmh(v.Average())
}

func formatKmh(kmh decimal.Decimal) string {
	return kmh.StringFixed(1) + " km/h"
}

// FormatTorqueOffset renders the torque offset with an explicit sign.
func FormatTorqueOffset(cmd ControlCommand) string {
	if cmd.TorqueOffset > 0 {
		return "+" + strconv.Itoa(int(cmd.TorqueOffset))
	}
	return strconv.Itoa(int(cmd.TorqueOffset))
}
