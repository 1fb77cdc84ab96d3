package device

import (
	"context"

	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
)

// Cover is a bound roller shutter.
type Cover struct {
	*binding
}

// Open moves the cover up.
func (c *Cover) Open(ctx context.Context) error {
	return c.send(ctx, "open", protocol.EncodeCoverMove(protocol.Up), func(s *State) {
		s.Opening, s.Closing = true, false
	})
}

// Close moves the cover down.
func (c *Cover) Close(ctx context.Context) error {
	return c.send(ctx, "close", protocol.EncodeCoverMove(protocol.Down), func(s *State) {
		s.Opening, s.Closing = false, true
	})
}

// Stop halts any movement.
func (c *Cover) Stop(ctx context.Context) error {
	return c.send(ctx, "stop", protocol.EncodeCoverStop(), func(s *State) {
		s.Opening, s.Closing = false, false
	})
}

func (c *Cover) StepUp(ctx context.Context) error {
	return c.send(ctx, "step_up", protocol.EncodeCoverStep(protocol.Up), func(s *State) {
		s.Opening, s.Closing = false, false
	})
}

func (c *Cover) StepDown(ctx context.Context) error {
	return c.send(ctx, "step_down", protocol.EncodeCoverStep(protocol.Down), func(s *State) {
		s.Opening, s.Closing = false, false
	})
}

// SetPosition drives the cover to percent open (0 closed, 100 open).
// Values outside 0..100 return ErrNotSent without touching the device.
func (c *Cover) SetPosition(ctx context.Context, percent int) error {
	return c.setPosition(ctx, "set_position", percent)
}

// Ventilate drives the cover to the ventilation position.
func (c *Cover) Ventilate(ctx context.Context) error {
	return c.setPosition(ctx, "ventilate", protocol.VentilationPercent)
}

func (c *Cover) setPosition(ctx context.Context, command string, percent int) error {
	frame, err := protocol.EncodeCoverPosition(percent)
	if err != nil {
		return notSent(command, err)
	}
	return c.send(ctx, command, frame, func(s *State) {
		s.Opening, s.Closing = false, false
		if s.Position == nil {
			return
		}
		switch {
		case percent > *s.Position:
			s.Opening = true
		case percent < *s.Position:
			s.Closing = true
		}
	})
}
