package cognito

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
	"github.com/upb/sensor-gateway/observability"
	"go.uber.org/zap"
)

// Outcome messages returned to clients.
const (
	MessageUserConfirmed       = "User is confirmed and ready to use."
	MessagePendingConfirmation = "User requires confirmation. Check email for a verification code."
	MessageConfirmed           = "User confirmed successfully."
	MessageSignedOut           = "User is logged out"
)

// State is the lifecycle state reported after a successful operation.
type State string

const (
	StateConfirmed           State = "confirmed"
	StatePendingConfirmation State = "pending_confirmation"
	StateSignedOut           State = "signed_out"
)

// Outcome is the result of a successful lifecycle operation.
type Outcome struct {
	State   State
	Message string
}

// Registration is the input to Register.
type Registration struct {
	Username string
	Email    string
	Password string
}

// Confirmation is the input to Confirm.
type Confirmation struct {
	Username string
	Code     string
}

// Credentials is the input to SignIn.
type Credentials struct {
	Username string
	Password string
}

// SessionTokens are the tokens Cognito issues on sign-in, passed through verbatim.
type SessionTokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int32
}

// IdentityProviderClient is the subset of the Cognito user pool API the
// Authenticator uses. *cognitoidentityprovider.Client satisfies it.
type IdentityProviderClient interface {
	SignUp(ctx context.Context, params *cognitoidentityprovider.SignUpInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.SignUpOutput, error)
	ConfirmSignUp(ctx context.Context, params *cognitoidentityprovider.ConfirmSignUpInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ConfirmSignUpOutput, error)
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
	GlobalSignOut(ctx context.Context, params *cognitoidentityprovider.GlobalSignOutInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.GlobalSignOutOutput, error)
}

// RevocationRecorder records a user's global sign-out.
type RevocationRecorder interface {
	Revoke(ctx context.Context, username string, at time.Time) error
}

// AuthenticatorConfig holds configuration for Authenticator
type AuthenticatorConfig struct {
	ClientID string
	// ClientSecret is optional. When empty no SECRET_HASH is sent.
	ClientSecret string
	// Timeout bounds every provider call.
	Timeout time.Duration
	// BreakerFailures is the number of consecutive availability failures
	// that opens the circuit.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration
}

// Authenticator drives the register, confirm, sign-in and sign-out lifecycle
// against Cognito. It holds no per-user state.
type Authenticator struct {
	client      IdentityProviderClient
	cfg         AuthenticatorConfig
	breaker     *gobreaker.CircuitBreaker
	revocations RevocationRecorder
	now         func() time.Time
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// AuthenticatorOption customizes an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithRevocationRecorder records successful sign-outs so offline
// verification can reject the user's earlier tokens.
func WithRevocationRecorder(r RevocationRecorder) AuthenticatorOption {
	return func(a *Authenticator) {
		a.revocations = r
	}
}

// WithAuthenticatorMetrics records provider call metrics.
func WithAuthenticatorMetrics(m *observability.Metrics) AuthenticatorOption {
	return func(a *Authenticator) {
		a.metrics = m
	}
}

// NewAuthenticator creates an Authenticator for the given app client.
func NewAuthenticator(client IdentityProviderClient, cfg AuthenticatorConfig, logger *zap.Logger, opts ...AuthenticatorOption) *Authenticator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Authenticator{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}

	failures := cfg.BreakerFailures
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cognito",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return !isAvailabilityError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return a
}

// Register creates the user with an email attribute. Cognito decides whether
// the account needs confirmation.
func (a *Authenticator) Register(ctx context.Context, reg Registration) (Outcome, error) {
	input := &cognitoidentityprovider.SignUpInput{
		ClientId:   aws.String(a.cfg.ClientID),
		Username:   aws.String(reg.Username),
		Password:   aws.String(reg.Password),
		SecretHash: a.secretHash(reg.Username),
		UserAttributes: []types.AttributeType{
			{Name: aws.String("email"), Value: aws.String(reg.Email)},
		},
	}

	var out *cognitoidentityprovider.SignUpOutput
	err := a.call(ctx, "SignUp", KindRegistrationRejected, func(ctx context.Context) error {
		var err error
		out, err = a.client.SignUp(ctx, input)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.UserConfirmed {
		return Outcome{State: StateConfirmed, Message: MessageUserConfirmed}, nil
	}
	return Outcome{State: StatePendingConfirmation, Message: MessagePendingConfirmation}, nil
}

// Confirm submits the one-time code sent at registration. Codes are single
// use, so a rejected confirmation is never retried.
func (a *Authenticator) Confirm(ctx context.Context, c Confirmation) (Outcome, error) {
	input := &cognitoidentityprovider.ConfirmSignUpInput{
		ClientId:         aws.String(a.cfg.ClientID),
		Username:         aws.String(c.Username),
		ConfirmationCode: aws.String(c.Code),
		SecretHash:       a.secretHash(c.Username),
	}

	err := a.call(ctx, "ConfirmSignUp", KindConfirmationRejected, func(ctx context.Context) error {
		_, err := a.client.ConfirmSignUp(ctx, input)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{State: StateConfirmed, Message: MessageConfirmed}, nil
}

// SignIn exchanges a username and password for session tokens.
func (a *Authenticator) SignIn(ctx context.Context, creds Credentials) (SessionTokens, error) {
	params := map[string]string{
		"USERNAME": creds.Username,
		"PASSWORD": creds.Password,
	}
	if hash := a.secretHash(creds.Username); hash != nil {
		params["SECRET_HASH"] = *hash
	}
	input := &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		ClientId:       aws.String(a.cfg.ClientID),
		AuthParameters: params,
	}

	var out *cognitoidentityprovider.InitiateAuthOutput
	err := a.call(ctx, "InitiateAuth", KindAuthenticationRejected, func(ctx context.Context) error {
		var err error
		out, err = a.client.InitiateAuth(ctx, input)
		return err
	})
	if err != nil {
		return SessionTokens{}, err
	}

	result := out.AuthenticationResult
	if result == nil {
		challenge := string(out.ChallengeName)
		a.logger.Info("sign-in requires a challenge",
			zap.String("username", creds.Username),
			zap.String("challenge", challenge))
		return SessionTokens{}, &ProviderError{
			Kind:    KindAuthenticationRejected,
			Op:      "InitiateAuth",
			Code:    challenge,
			Message: "additional authentication challenge required",
		}
	}

	return SessionTokens{
		IDToken:      aws.ToString(result.IdToken),
		AccessToken:  aws.ToString(result.AccessToken),
		RefreshToken: aws.ToString(result.RefreshToken),
		ExpiresIn:    result.ExpiresIn,
	}, nil
}

// SignOut invalidates every session of the token's owner. An empty token
// fails with ErrMissingCredential without contacting the provider.
func (a *Authenticator) SignOut(ctx context.Context, accessToken, username string) (Outcome, error) {
	if accessToken == "" {
		return Outcome{}, ErrMissingCredential
	}

	input := &cognitoidentityprovider.GlobalSignOutInput{
		AccessToken: aws.String(accessToken),
	}

	err := a.call(ctx, "GlobalSignOut", KindSignOutRejected, func(ctx context.Context) error {
		_, err := a.client.GlobalSignOut(ctx, input)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if a.revocations != nil && username != "" {
		// The provider has already revoked the session, so the local record
		// must outlive a client that hangs up.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revocationWriteTimeout)
		defer cancel()
		if err := a.revocations.Revoke(recordCtx, username, a.now()); err != nil {
			a.logger.Error("failed to record sign-out",
				zap.String("username", username),
				zap.Error(err))
			return Outcome{}, fmt.Errorf("record sign-out: %w", err)
		}
	}

	return Outcome{State: StateSignedOut, Message: MessageSignedOut}, nil
}

func (a *Authenticator) secretHash(username string) *string {
	if a.cfg.ClientSecret == "" {
		return nil
	}
	return aws.String(SecretHash(a.cfg.ClientSecret, username, a.cfg.ClientID))
}

// call runs fn through the breaker under the provider timeout and converts
// any failure into a *ProviderError.
func (a *Authenticator) call(ctx context.Context, op string, rejected ErrorKind, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		a.metrics.RecordProviderCall(op, "success", time.Since(start))
		return nil
	}

	perr := classifyProviderError(op, rejected, err)
	a.metrics.RecordProviderCall(op, string(perr.Kind), time.Since(start))

	if perr.Kind == KindProviderUnavailable {
		a.logger.Error("identity provider unavailable",
			zap.String("operation", op),
			zap.Error(err))
	} else {
		a.logger.Info("identity provider rejected request",
			zap.String("operation", op),
			zap.String("code", perr.Code))
	}
	return perr
}

// revocationWriteTimeout bounds recording a sign-out after the provider
// accepted it.
const revocationWriteTimeout = 2 * time.Second

// availabilityCodes are Cognito error codes that mean "try again later"
// rather than "no".
var availabilityCodes = map[string]bool{
	"TooManyRequestsException": true,
	"InternalErrorException":   true,
	"ThrottlingException":      true,
	"ServiceUnavailable":       true,
	"RequestTimeout":           true,
}

func isAvailabilityError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return availabilityCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer
	}

	// Transport failures never reached the API.
	return true
}

func classifyProviderError(op string, rejected ErrorKind, err error) *ProviderError {
	perr := &ProviderError{Op: op, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		perr.Code = apiErr.ErrorCode()
		perr.Message = apiErr.ErrorMessage()
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		perr.Kind = KindProviderUnavailable
		perr.Message = "identity provider temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		perr.Kind = KindProviderUnavailable
		perr.Message = "identity provider timed out"
	case isAvailabilityError(err):
		perr.Kind = KindProviderUnavailable
		if perr.Message == "" {
			perr.Message = "identity provider unreachable"
		}
	default:
		perr.Kind = rejected
		if perr.Message == "" {
			perr.Message = err.Error()
		}
	}
	return perr
}
