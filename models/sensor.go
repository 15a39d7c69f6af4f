package models

// Sensor is one reading row of the sensor table. Name holds the username of
// the owning account.
type Sensor struct {
	SensorID int32  `json:"sensor_id" db:"sensor_id"`
	Value    string `json:"value" db:"value"`
	Count    int32  `json:"count" db:"count"`
	Name     string `json:"name" db:"name"`
}

// TableName returns the table name for the Sensor model
func (Sensor) TableName() string {
	return "sensor"
}

// OwnedBy reports whether the reading belongs to username.
func (s *Sensor) OwnedBy(username string) bool {
	return s != nil && username != "" && s.Name == username
}
