package postgres

import (
	"context"
	"fmt"

	"github.com/upb/sensor-gateway/models"
	"github.com/upb/sensor-gateway/repositories"
	"go.uber.org/zap"
)

// SensorRepository implements the repositories.SensorRepository interface
type SensorRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSensorRepository creates a new sensor repository
func NewSensorRepository(db *DB, logger *zap.Logger) repositories.SensorRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SensorRepository{
		db:     db,
		logger: logger,
	}
}

// ListByOwner retrieves all readings owned by username
func (r *SensorRepository) ListByOwner(ctx context.Context, username string) ([]*models.Sensor, error) {
	if username == "" {
		return nil, repositories.ErrInvalidOwner
	}

	query := `
		SELECT sensor_id, value, count, name
		FROM sensor
		WHERE name = $1
		ORDER BY sensor_id
	`

	sensors, err := r.query(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}

	r.logger.Debug("sensors listed", zap.String("owner", username), zap.Int("count", len(sensors)))
	return sensors, nil
}

// GetByIDForOwner retrieves readings by sensor id, scoped to username
func (r *SensorRepository) GetByIDForOwner(ctx context.Context, sensorID int32, username string) ([]*models.Sensor, error) {
	if username == "" {
		return nil, repositories.ErrInvalidOwner
	}

	query := `
		SELECT sensor_id, value, count, name
		FROM sensor
		WHERE sensor_id = $1 AND name = $2
	`

	sensors, err := r.query(ctx, query, sensorID, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor %d: %w", sensorID, err)
	}
	return sensors, nil
}

func (r *SensorRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Sensor, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sensors := make([]*models.Sensor, 0)
	for rows.Next() {
		sensor := &models.Sensor{}
		if err := rows.Scan(
			&sensor.SensorID,
			&sensor.Value,
			&sensor.Count,
			&sensor.Name,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sensor: %w", err)
		}
		sensors = append(sensors, sensor)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sensors: %w", err)
	}

	return sensors, nil
}
