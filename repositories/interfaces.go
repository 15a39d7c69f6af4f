package repositories

import (
	"context"
	"errors"

	"github.com/upb/sensor-gateway/models"
)

// ErrInvalidOwner is returned when a query is attempted without an owner.
var ErrInvalidOwner = errors.New("sensor owner is required")

// SensorRepository handles sensor data operations. Every query is scoped to
// the owning username; there is no unscoped read.
type SensorRepository interface {
	// ListByOwner retrieves all readings owned by username
	ListByOwner(ctx context.Context, username string) ([]*models.Sensor, error)

	// GetByIDForOwner retrieves the readings with the given sensor id that
	// are owned by username. An empty result is not an error.
	GetByIDForOwner(ctx context.Context, sensorID int32, username string) ([]*models.Sensor, error)
}

// HealthChecker is implemented by stores that can report their reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
