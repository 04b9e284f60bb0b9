// README: Driver public profile as shown to riders, plus registered push devices.
package driver

import (
	"context"
	"errors"

	"siren/internal/types"
)

var ErrNotFound = errors.New("driver not found")

type Profile struct {
	ID          types.ID
	Name        string
	Phone       string
	VehicleNo   string
	VehicleType string
	PhotoURL    *string
}

// Directory is the read side of driver onboarding, owned outside the dispatch core.
type Directory interface {
	Profile(ctx context.Context, id types.ID) (Profile, error)
	DeviceTokens(ctx context.Context, id types.ID) ([]string, error)
}
