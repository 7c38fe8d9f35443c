package steering

import (
	"github.com/shopspring/decimal"
)

// Stream names used for histories, workers, metrics and log fields.
const (
	StreamSteeringAngle = "steering_angle"
	StreamVelocity      = "velocity"
	StreamTorqueOffset  = "steering_torque_offset"
)

// Journal root elements for the timestamped JSON logs.
const (
	SteeringCommandsLogRoot = "steering_commands"
	SteeringAnglesLogRoot   = "steering_angles"
)

// SteeringAngle is the steering wheel angle reported by the angle sensor.
type SteeringAngle struct {
	// DeciDegrees is the signed angle in tenths of a degree; positive values
	// turn left.
	DeciDegrees int16 `json:"angle_deci_degrees"`
	// Rate is the rotation speed reported alongside the angle, in deg/s.
	Rate uint8 `json:"rate,omitempty"`
}

// Degrees returns the angle in degrees.
func (a SteeringAngle) Degrees() float64 {
	return float64(a.DeciDegrees) / 10
}

// Velocity holds per-wheel speeds in km/h.
type Velocity struct {
	FrontLeft  float64 `json:"front_left"`
	FrontRight float64 `json:"front_right"`
	RearLeft   float64 `json:"rear_left"`
	RearRight  float64 `json:"rear_right"`
}

// Average returns the mean wheel speed.
func (v Velocity) Average() decimal.Decimal {
	sum := decimal.NewFromFloat(v.FrontLeft).
		Add(decimal.NewFromFloat(v.FrontRight)).
		Add(decimal.NewFromFloat(v.RearLeft)).
		Add(decimal.NewFromFloat(v.RearRight))
	return sum.Div(decimal.NewFromInt(4))
}

// ControlCommand is a steering command sent to the actuator.
type ControlCommand struct {
	// TorqueOffset is the additional steering torque requested from the
	// electric power steering unit.
	TorqueOffset int8 `json:"steering_torque_offset"`
	// TargetDeciDegrees is the angle the controller is holding, if any.
	TargetDeciDegrees *int16 `json:"target_angle_deci_degrees,omitempty"`
}
