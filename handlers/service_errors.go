package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/upb/sensor-gateway/cognito"
	"github.com/upb/sensor-gateway/repositories"
	"github.com/upb/sensor-gateway/utils"
	"go.uber.org/zap"
)

// StatusResponse is the {status, message} envelope used by the auth and
// sensor endpoints.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	State   string `json:"state,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
	statusFail    = "fail"
)

// HandleServiceError maps domain errors to HTTP responses. Rejections that an
// endpoint reports in its own envelope are handled before this is called.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var perr *cognito.ProviderError
	switch {
	case utils.IsValidationError(err):
		HandleValidationError(w, err, logger)

	case errors.As(err, &perr) && perr.Kind == cognito.KindProviderUnavailable:
		logger.Warn("identity provider unavailable",
			zap.String("op", perr.Op),
			zap.Error(err))
		if err := utils.WriteServiceUnavailable(w, "Identity provider unavailable, try again later"); err != nil {
			logger.Error("failed to write service unavailable response", zap.Error(err))
		}

	case errors.As(err, &perr):
		if err := utils.WriteBadRequest(w, perr.Message, nil); err != nil {
			logger.Error("failed to write bad request response", zap.Error(err))
		}

	case errors.Is(err, cognito.ErrMissingCredential),
		errors.Is(err, repositories.ErrInvalidOwner),
		cognito.IsTokenError(err):
		if err := utils.WriteUnauthorized(w, ""); err != nil {
			logger.Error("failed to write unauthorized response", zap.Error(err))
		}

	default:
		// Unknown error type - log and return internal error
		logger.Error("unhandled error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var verr *utils.ValidationError
	if errors.As(err, &verr) {
		if err := utils.WriteBadRequest(w, "Validation failed", verr.Details()); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// validationMessage flattens a body or validation error into one line,
// with field messages in a stable order.
func validationMessage(err error) string {
	var verr *utils.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(verr.Fields))
	for _, msg := range verr.Fields {
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
func decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := utils.DecodeJSON(r, dst); err != nil {
		return err
	}
	return utils.ValidateStruct(dst)
}

func writeStatus(w http.ResponseWriter, code int, resp StatusResponse, logger *zap.Logger) {
	if err := utils.WriteJSON(w, code, resp); err != nil {
		logger.Error("failed to write response", zap.Error(err))
	}
}
