package steering

// AngleSink receives steering angle notifications. Implementations must not
// block the caller.
type AngleSink interface {
	SteeringAngleChanged(angleDeciDegrees int16)
}

// TextSink receives formatted text notifications. Implementations must not
// block the caller.
type TextSink interface {
	TextChanged(text string)
}

// AngleSinkFunc adapts a function to AngleSink.
type AngleSinkFunc func(angleDeciDegrees int16)

// SteeringAngleChanged implements AngleSink.
func (f AngleSinkFunc) SteeringAngleChanged(angleDeciDegrees int16) { f(angleDeciDegrees) }

// TextSinkFunc adapts a function to TextSink.
type TextSinkFunc func(text string)

// TextChanged implements TextSink.
func (f TextSinkFunc) TextChanged(text string) { f(text) }

// AngleFanout forwards every notification to all sinks in order.
type AngleFanout []AngleSink

// SteeringAngleChanged implements AngleSink.
func (f AngleFanout) SteeringAngleChanged(angleDeciDegrees int16) {
	for _, sink := range f {
		if sink != nil {
			sink.SteeringAngleChanged(angleDeciDegrees)
		}
	}
}

// TextFanout forwards every notification to all sinks in order.
type TextFanout []TextSink

// TextChanged implements TextSink.
func (f TextFanout) TextChanged(text string) {
	for _, sink := range f {
		if sink != nil {
			sink.TextChanged(text)
		}
	}
}
