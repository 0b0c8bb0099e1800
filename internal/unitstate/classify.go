package unitstate

import (
	"context"

	"unitgauge/pkg/systemdbus"
)

const (
	StateActive = "active"
	// StateBroken stands in for the ActiveState of a unit that cannot be read.
	StateBroken = "broken"
)

// QueryState returns the raw ActiveState of a resolved entry. Broken
// entries yield StateBroken without touching the bus. A failed property
// read also yields StateBroken, together with the error.
func QueryState(ctx context.Context, e Entry) (string, error) {
	if e.Broken() {
		return StateBroken, nil
	}
	state, err := e.unit.Property(ctx, systemdbus.UnitInterface, systemdbus.PropertyActiveState)
	if err != nil {
		return StateBroken, err
	}
	return state, nil
}

// Classify maps exactly "active" to 1 and everything else to 0.
func Classify(state string) float64 {
	if state == StateActive {
		return 1.0
	}
	return 0.0
}
