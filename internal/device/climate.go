package device

import (
	"context"
	"fmt"

	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
)

// Climate is a bound thermostat. Temperatures come from its broadcasts; the
// only command is a new target temperature.
type Climate struct {
	*binding
}

// SetTargetTemperature sends a new set point. Values outside
// [protocol.MinTargetCelsius, protocol.MaxTargetCelsius] are not sent and
// return ErrNotSent; availability is left as it was.
func (c *Climate) SetTargetTemperature(ctx context.Context, celsius float64) error {
	frame, err := protocol.EncodeClimateTarget(celsius)
	if err != nil {
		return notSent(fmt.Sprintf("set_temperature %.2f", celsius), err)
	}
	return c.send(ctx, "set_temperature", frame, nil)
}
