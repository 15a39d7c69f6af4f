package cognito

import (
	"errors"
	"fmt"
)

// Token verification errors. Every verifier failure wraps exactly one of these.
var (
	// ErrMalformedToken is returned when the token is structurally invalid
	ErrMalformedToken = errors.New("malformed token")

	// ErrUnknownSigningKey is returned when the token's kid is not in the key set after a refresh
	ErrUnknownSigningKey = errors.New("unknown signing key")

	// ErrInvalidSignature is returned when the signature does not verify or the algorithm is not allowed
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrExpired is returned when the token's exp is in the past
	ErrExpired = errors.New("token expired")

	// ErrNotYetValid is returned when the token's nbf is in the future
	ErrNotYetValid = errors.New("token not yet valid")

	// ErrAudienceMismatch is returned when neither aud nor client_id match the expected audience
	ErrAudienceMismatch = errors.New("audience mismatch")

	// ErrIssuerMismatch is returned when iss is not the configured user pool
	ErrIssuerMismatch = errors.New("issuer mismatch")

	// ErrTokenUseMismatch is returned when token_use is not the configured use
	ErrTokenUseMismatch = errors.New("token_use mismatch")

	// ErrMissingClaim is returned when a required claim is absent
	ErrMissingClaim = errors.New("missing required claim")

	// ErrTokenRevoked is returned when the owner signed out globally after the token was issued
	ErrTokenRevoked = errors.New("token revoked")

	// ErrKeyFetch is returned when the JWKS endpoint is unreachable or returns an unusable document
	ErrKeyFetch = errors.New("failed to fetch signing keys")
)

// ErrMissingCredential is returned when a protected operation is attempted without a bearer token.
var ErrMissingCredential = errors.New("missing credential")

var tokenErrors = []error{
	ErrMalformedToken,
	ErrUnknownSigningKey,
	ErrInvalidSignature,
	ErrExpired,
	ErrNotYetValid,
	ErrAudienceMismatch,
	ErrIssuerMismatch,
	ErrTokenUseMismatch,
	ErrMissingClaim,
	ErrTokenRevoked,
	ErrKeyFetch,
}

// IsTokenError reports whether err is a token verification failure.
func IsTokenError(err error) bool {
	for _, target := range tokenErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// TokenErrorReason returns a short, stable label for a verification failure.
// It is meant for logs and metrics, never for client responses.
func TokenErrorReason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrUnknownSigningKey):
		return "unknown_key"
	case errors.Is(err, ErrKeyFetch):
		return "key_fetch"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, ErrTokenUseMismatch):
		return "token_use_mismatch"
	case errors.Is(err, ErrMissingClaim):
		return "missing_claim"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	default:
		return "error"
	}
}

// ErrorKind categorizes identity provider failures.
type ErrorKind string

const (
	KindRegistrationRejected   ErrorKind = "registration_rejected"
	KindConfirmationRejected   ErrorKind = "confirmation_rejected"
	KindAuthenticationRejected ErrorKind = "authentication_rejected"
	KindSignOutRejected        ErrorKind = "sign_out_rejected"
	KindProviderUnavailable    ErrorKind = "provider_unavailable"
)

// ProviderError is returned by the Authenticator when Cognito rejects an
// operation or cannot be reached.
type ProviderError struct {
	Kind    ErrorKind
	Op      string
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may reasonably retry later.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindProviderUnavailable
}

// ProviderErrorKind extracts the kind of a *ProviderError, or "" if err is not one.
func ProviderErrorKind(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
