package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/upb/sensor-gateway/cognito"
	"github.com/upb/sensor-gateway/middleware"
	"github.com/upb/sensor-gateway/utils"
	"go.uber.org/zap"
)

// Authenticator runs the credential flows against the identity provider.
type Authenticator interface {
	Register(ctx context.Context, reg cognito.Registration) (cognito.Outcome, error)
	Confirm(ctx context.Context, c cognito.Confirmation) (cognito.Outcome, error)
	SignIn(ctx context.Context, creds cognito.Credentials) (cognito.SessionTokens, error)
	SignOut(ctx context.Context, accessToken, username string) (cognito.Outcome, error)
}

// SignUpRequest is the body of POST /signup
type SignUpRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=256"`
}

// ConfirmSignUpRequest is the body of POST /signup_confirm
type ConfirmSignUpRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	OTP      string `json:"otp" validate:"required,max=64"`
}

// SignInRequest is the body of POST /signin
type SignInRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

// TokenResponse is returned by a successful sign-in
type TokenResponse struct {
	IDToken      string `json:"idToken"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int32  `json:"expiresIn,omitempty"`
}

// AuthHandler handles the registration and session endpoints.
type AuthHandler struct {
	auth   Authenticator
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(auth Authenticator, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		auth:   auth,
		logger: logger,
	}
}

// HandleSignUp handles POST /signup
func (h *AuthHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, StatusResponse{
			Status:  statusError,
			Message: validationMessage(err),
		}, h.logger)
		return
	}

	outcome, err := h.auth.Register(r.Context(), cognito.Registration{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		if isRejection(err) {
			writeStatus(w, http.StatusBadRequest, rejectionResponse(err), h.logger)
			return
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	writeStatus(w, http.StatusCreated, outcomeResponse(outcome), h.logger)
}

// HandleConfirmSignUp handles POST /signup_confirm. A rejected code is
// reported with 200 and status "error".
func (h *AuthHandler) HandleConfirmSignUp(w http.ResponseWriter, r *http.Request) {
	var req ConfirmSignUpRequest
	if err := decodeAndValidate(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	outcome, err := h.auth.Confirm(r.Context(), cognito.Confirmation{
		Username: req.Username,
		Code:     req.OTP,
	})
	if err != nil {
		if isRejection(err) {
			writeStatus(w, http.StatusOK, rejectionResponse(err), h.logger)
			return
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	writeStatus(w, http.StatusOK, outcomeResponse(outcome), h.logger)
}

// HandleSignIn handles POST /signin. Every rejection yields the same 401 body
// so callers cannot tell unknown users from wrong passwords.
func (h *AuthHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := decodeAndValidate(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	tokens, err := h.auth.SignIn(r.Context(), cognito.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		if isRejection(err) {
			h.logger.Info("sign-in rejected",
				zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
				zap.String("code", providerCode(err)))
			_ = utils.WriteUnauthorized(w, "invalid credentials")
			return
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, TokenResponse{
		IDToken:      tokens.IDToken,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	}); err != nil {
		h.logger.Error("failed to write sign-in response", zap.Error(err))
	}
}

// HandleSignOut handles POST /signout. It must run behind RequireAuth, which
// supplies the verified access token and principal.
func (h *AuthHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := middleware.AccessTokenFromContext(ctx)

	var username string
	if principal := middleware.PrincipalFromContext(ctx); principal != nil {
		username = principal.Username
	}

	outcome, err := h.auth.SignOut(ctx, token, username)
	if err != nil {
		if isRejection(err) {
			writeStatus(w, http.StatusOK, rejectionResponse(err), h.logger)
			return
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	writeStatus(w, http.StatusOK, StatusResponse{
		Status:  statusSuccess,
		Message: outcome.Message,
	}, h.logger)
}

// isRejection reports whether err is the provider refusing the request, as
// opposed to the provider being unreachable.
func isRejection(err error) bool {
	kind := cognito.ProviderErrorKind(err)
	return kind != "" && kind != cognito.KindProviderUnavailable
}

func providerCode(err error) string {
	var perr *cognito.ProviderError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

func rejectionResponse(err error) StatusResponse {
	var perr *cognito.ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return StatusResponse{Status: statusError, Message: perr.Message}
	}
	return StatusResponse{Status: statusError, Message: err.Error()}
}

func outcomeResponse(o cognito.Outcome) StatusResponse {
	return StatusResponse{
		Status:  statusSuccess,
		Message: o.Message,
		State:   string(o.State),
	}
}
