package handlers

import (
	"fmt"
	"net/http"

	"github.com/upb/sensor-gateway/middleware"
	"github.com/upb/sensor-gateway/models"
	"github.com/upb/sensor-gateway/repositories"
	"github.com/upb/sensor-gateway/utils"
	"go.uber.org/zap"
)

// SensorListResponse is returned by GET /get/user
type SensorListResponse struct {
	Status  string           `json:"status"`
	Results int              `json:"results"`
	Sensors []*models.Sensor `json:"sensors"`
}

// SensorData wraps the readings returned by GET /get/user/id
type SensorData struct {
	Sensors []*models.Sensor `json:"sensors"`
}

// SensorByIDResponse is returned by GET /get/user/id
type SensorByIDResponse struct {
	Status string     `json:"status"`
	Data   SensorData `json:"data"`
}

// SensorByIDRequest is the body of GET /get/user/id
type SensorByIDRequest struct {
	ID *int32 `json:"id" validate:"required"`
}

// SensorHandler serves the caller's own sensor readings.
type SensorHandler struct {
	repo   repositories.SensorRepository
	logger *zap.Logger
}

// NewSensorHandler creates a new SensorHandler
func NewSensorHandler(repo repositories.SensorRepository, logger *zap.Logger) *SensorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SensorHandler{
		repo:   repo,
		logger: logger,
	}
}

// HandleListSensors handles GET /get/user
func (h *SensorHandler) HandleListSensors(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	sensors, err := h.repo.ListByOwner(r.Context(), principal.Username)
	if err != nil {
		h.writeDatabaseError(w, r, err)
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, SensorListResponse{
		Status:  statusSuccess,
		Results: len(sensors),
		Sensors: sensors,
	}); err != nil {
		h.logger.Error("failed to write sensor list", zap.Error(err))
	}
}

// HandleGetSensor handles GET /get/user/id. The sensor id is read from the
// JSON body.
func (h *SensorHandler) HandleGetSensor(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	var req SensorByIDRequest
	if err := decodeAndValidate(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	sensors, err := h.repo.GetByIDForOwner(r.Context(), *req.ID, principal.Username)
	if err != nil {
		h.writeDatabaseError(w, r, err)
		return
	}

	if len(sensors) == 0 {
		writeStatus(w, http.StatusNotFound, StatusResponse{
			Status:  statusFail,
			Message: fmt.Sprintf("Sensor with ID: %d not found", *req.ID),
		}, h.logger)
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, SensorByIDResponse{
		Status: statusSuccess,
		Data:   SensorData{Sensors: sensors},
	}); err != nil {
		h.logger.Error("failed to write sensor", zap.Error(err))
	}
}

func (h *SensorHandler) writeDatabaseError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("sensor query failed",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.Error(err))
	writeStatus(w, http.StatusInternalServerError, StatusResponse{
		Status:  statusFail,
		Message: "Database error",
	}, h.logger)
}
