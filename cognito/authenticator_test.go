package cognito

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/sensor-gateway/observability"
	"go.uber.org/zap"
)

// MockIdentityProvider mocks the Cognito user pool API
type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) SignUp(ctx context.Context, params *cip.SignUpInput, _ ...func(*cip.Options)) (*cip.SignUpOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cip.SignUpOutput), args.Error(1)
}

func (m *MockIdentityProvider) ConfirmSignUp(ctx context.Context, params *cip.ConfirmSignUpInput, _ ...func(*cip.Options)) (*cip.ConfirmSignUpOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cip.ConfirmSignUpOutput), args.Error(1)
}

func (m *MockIdentityProvider) InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, _ ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cip.InitiateAuthOutput), args.Error(1)
}

func (m *MockIdentityProvider) GlobalSignOut(ctx context.Context, params *cip.GlobalSignOutInput, _ ...func(*cip.Options)) (*cip.GlobalSignOutOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cip.GlobalSignOutOutput), args.Error(1)
}

// recordingRevoker captures Revoke calls
type recordingRevoker struct {
	revoked map[string]time.Time
	err     error
}

func (r *recordingRevoker) Revoke(ctx context.Context, username string, at time.Time) error {
	if r.err != nil {
		return r.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.revoked == nil {
		r.revoked = make(map[string]time.Time)
	}
	r.revoked[username] = at
	return nil
}

const testClientSecret = "test-client-secret"

func newTestAuthenticator(client IdentityProviderClient, opts ...AuthenticatorOption) *Authenticator {
	return NewAuthenticator(client, AuthenticatorConfig{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		Timeout:      time.Second,
	}, zap.NewNop(), opts...)
}

func TestRegister(t *testing.T) {
	t.Run("pending confirmation", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("SignUp", mock.Anything, mock.MatchedBy(func(in *cip.SignUpInput) bool {
			return aws.ToString(in.ClientId) == testClientID &&
				aws.ToString(in.Username) == "alice" &&
				aws.ToString(in.Password) == "S3cret!pass" &&
				aws.ToString(in.SecretHash) == SecretHash(testClientSecret, "alice", testClientID) &&
				len(in.UserAttributes) == 1 &&
				aws.ToString(in.UserAttributes[0].Name) == "email" &&
				aws.ToString(in.UserAttributes[0].Value) == "alice@example.com"
		})).Return(&cip.SignUpOutput{UserConfirmed: false}, nil)

		auth := newTestAuthenticator(client)
		out, err := auth.Register(context.Background(), Registration{
			Username: "alice",
			Email:    "alice@example.com",
			Password: "S3cret!pass",
		})

		require.NoError(t, err)
		assert.Equal(t, StatePendingConfirmation, out.State)
		assert.Equal(t, MessagePendingConfirmation, out.Message)
		client.AssertExpectations(t)
	})

	t.Run("auto confirmed", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("SignUp", mock.Anything, mock.Anything).Return(&cip.SignUpOutput{UserConfirmed: true}, nil)

		out, err := newTestAuthenticator(client).Register(context.Background(), Registration{Username: "alice"})
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, out.State)
		assert.Equal(t, MessageUserConfirmed, out.Message)
	})

	t.Run("username taken", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("SignUp", mock.Anything, mock.Anything).
			Return(nil, &types.UsernameExistsException{Message: aws.String("User already exists")})

		_, err := newTestAuthenticator(client).Register(context.Background(), Registration{Username: "alice"})
		require.Error(t, err)

		var perr *ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, KindRegistrationRejected, perr.Kind)
		assert.Equal(t, "UsernameExistsException", perr.Code)
		assert.Equal(t, "User already exists", perr.Message)
		assert.False(t, perr.Retryable())
	})

	t.Run("no secret hash without client secret", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("SignUp", mock.Anything, mock.MatchedBy(func(in *cip.SignUpInput) bool {
			return in.SecretHash == nil
		})).Return(&cip.SignUpOutput{}, nil)

		auth := NewAuthenticator(client, AuthenticatorConfig{ClientID: testClientID}, nil)
		_, err := auth.Register(context.Background(), Registration{Username: "alice"})
		require.NoError(t, err)
		client.AssertExpectations(t)
	})
}

func TestConfirm(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("ConfirmSignUp", mock.Anything, mock.MatchedBy(func(in *cip.ConfirmSignUpInput) bool {
			return aws.ToString(in.Username) == "alice" &&
				aws.ToString(in.ConfirmationCode) == "123456" &&
				aws.ToString(in.SecretHash) == SecretHash(testClientSecret, "alice", testClientID)
		})).Return(&cip.ConfirmSignUpOutput{}, nil)

		out, err := newTestAuthenticator(client).Confirm(context.Background(), Confirmation{Username: "alice", Code: "123456"})
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, out.State)
		assert.Equal(t, MessageConfirmed, out.Message)
	})

	rejections := []struct {
		name string
		err  error
		code string
	}{
		{name: "wrong code", err: &types.CodeMismatchException{Message: aws.String("Invalid verification code provided")}, code: "CodeMismatchException"},
		{name: "expired code", err: &types.ExpiredCodeException{Message: aws.String("Invalid code provided")}, code: "ExpiredCodeException"},
		{name: "already confirmed", err: &types.NotAuthorizedException{Message: aws.String("User cannot be confirmed. Current status is CONFIRMED")}, code: "NotAuthorizedException"},
		{name: "unknown user", err: &types.UserNotFoundException{Message: aws.String("Username/client id combination not found.")}, code: "UserNotFoundException"},
	}
	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			client := new(MockIdentityProvider)
			client.On("ConfirmSignUp", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			_, err := newTestAuthenticator(client).Confirm(context.Background(), Confirmation{Username: "alice", Code: "000000"})

			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, KindConfirmationRejected, perr.Kind)
			assert.Equal(t, tt.code, perr.Code)
			client.AssertNumberOfCalls(t, "ConfirmSignUp", 1)
		})
	}
}

func TestSignIn(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("InitiateAuth", mock.Anything, mock.MatchedBy(func(in *cip.InitiateAuthInput) bool {
			return in.AuthFlow == types.AuthFlowTypeUserPasswordAuth &&
				aws.ToString(in.ClientId) == testClientID &&
				in.AuthParameters["USERNAME"] == "alice" &&
				in.AuthParameters["PASSWORD"] == "pw" &&
				in.AuthParameters["SECRET_HASH"] == SecretHash(testClientSecret, "alice", testClientID)
		})).Return(&cip.InitiateAuthOutput{
			AuthenticationResult: &types.AuthenticationResultType{
				IdToken:      aws.String("id-token"),
				AccessToken:  aws.String("access-token"),
				RefreshToken: aws.String("refresh-token"),
				ExpiresIn:    3600,
			},
		}, nil)

		tokens, err := newTestAuthenticator(client).SignIn(context.Background(), Credentials{Username: "alice", Password: "pw"})
		require.NoError(t, err)
		assert.Equal(t, SessionTokens{
			IDToken:      "id-token",
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			ExpiresIn:    3600,
		}, tokens)
	})

	t.Run("wrong password", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("InitiateAuth", mock.Anything, mock.Anything).
			Return(nil, &types.NotAuthorizedException{Message: aws.String("Incorrect username or password.")})

		_, err := newTestAuthenticator(client).SignIn(context.Background(), Credentials{Username: "alice", Password: "bad"})
		assert.Equal(t, KindAuthenticationRejected, ProviderErrorKind(err))
	})

	t.Run("unconfirmed user", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("InitiateAuth", mock.Anything, mock.Anything).
			Return(nil, &types.UserNotConfirmedException{Message: aws.String("User is not confirmed.")})

		_, err := newTestAuthenticator(client).SignIn(context.Background(), Credentials{Username: "alice", Password: "pw"})
		assert.Equal(t, KindAuthenticationRejected, ProviderErrorKind(err))
	})

	t.Run("challenge instead of tokens", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("InitiateAuth", mock.Anything, mock.Anything).Return(&cip.InitiateAuthOutput{
			ChallengeName: types.ChallengeNameTypeNewPasswordRequired,
			Session:       aws.String("session"),
		}, nil)

		_, err := newTestAuthenticator(client).SignIn(context.Background(), Credentials{Username: "alice", Password: "pw"})
		var perr *ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, KindAuthenticationRejected, perr.Kind)
		assert.Equal(t, "NEW_PASSWORD_REQUIRED", perr.Code)
	})
}

func TestSignOut(t *testing.T) {
	t.Run("success records revocation", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("GlobalSignOut", mock.Anything, mock.MatchedBy(func(in *cip.GlobalSignOutInput) bool {
			return aws.ToString(in.AccessToken) == "access-token"
		})).Return(&cip.GlobalSignOutOutput{}, nil)

		revoker := &recordingRevoker{}
		auth := newTestAuthenticator(client, WithRevocationRecorder(revoker))
		fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		auth.now = func() time.Time { return fixed }

		out, err := auth.SignOut(context.Background(), "access-token", "alice")
		require.NoError(t, err)
		assert.Equal(t, StateSignedOut, out.State)
		assert.Equal(t, MessageSignedOut, out.Message)
		assert.Equal(t, fixed, revoker.revoked["alice"])
	})

	t.Run("revocation recorded when client hangs up after provider success", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client := new(MockIdentityProvider)
		client.On("GlobalSignOut", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return(&cip.GlobalSignOutOutput{}, nil)

		revoker := &recordingRevoker{}
		out, err := newTestAuthenticator(client, WithRevocationRecorder(revoker)).SignOut(ctx, "access-token", "alice")
		require.NoError(t, err)
		assert.Equal(t, StateSignedOut, out.State)
		assert.Contains(t, revoker.revoked, "alice")
	})

	t.Run("missing token makes no provider call", func(t *testing.T) {
		client := new(MockIdentityProvider)

		_, err := newTestAuthenticator(client).SignOut(context.Background(), "", "alice")
		assert.ErrorIs(t, err, ErrMissingCredential)
		client.AssertNotCalled(t, "GlobalSignOut", mock.Anything, mock.Anything)
	})

	t.Run("revoked token rejected", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("GlobalSignOut", mock.Anything, mock.Anything).
			Return(nil, &types.NotAuthorizedException{Message: aws.String("Access Token has been revoked")})

		revoker := &recordingRevoker{}
		_, err := newTestAuthenticator(client, WithRevocationRecorder(revoker)).SignOut(context.Background(), "stale", "alice")
		assert.Equal(t, KindSignOutRejected, ProviderErrorKind(err))
		assert.Empty(t, revoker.revoked)
	})

	t.Run("revocation store failure", func(t *testing.T) {
		client := new(MockIdentityProvider)
		client.On("GlobalSignOut", mock.Anything, mock.Anything).Return(&cip.GlobalSignOutOutput{}, nil)

		revoker := &recordingRevoker{err: errors.New("redis down")}
		_, err := newTestAuthenticator(client, WithRevocationRecorder(revoker)).SignOut(context.Background(), "token", "alice")
		require.Error(t, err)
		assert.Equal(t, ErrorKind(""), ProviderErrorKind(err))
	})
}

func TestProviderUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "throttled", err: &types.TooManyRequestsException{Message: aws.String("Rate exceeded")}},
		{name: "internal error", err: &types.InternalErrorException{Message: aws.String("Internal error")}},
		{name: "transport", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}},
		{name: "deadline", err: context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(MockIdentityProvider)
			client.On("InitiateAuth", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			_, err := newTestAuthenticator(client).SignIn(context.Background(), Credentials{Username: "alice", Password: "pw"})

			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, KindProviderUnavailable, perr.Kind)
			assert.True(t, perr.Retryable())
			// Surfaced, not retried.
			client.AssertNumberOfCalls(t, "InitiateAuth", 1)
		})
	}
}

func TestProviderTimeout(t *testing.T) {
	client := new(MockIdentityProvider)
	client.On("ConfirmSignUp", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	auth := NewAuthenticator(client, AuthenticatorConfig{ClientID: testClientID, Timeout: 20 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	_, err := auth.Confirm(context.Background(), Confirmation{Username: "alice", Code: "123456"})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, KindProviderUnavailable, ProviderErrorKind(err))
}

func TestCircuitBreaker(t *testing.T) {
	client := new(MockIdentityProvider)
	client.On("InitiateAuth", mock.Anything, mock.Anything).
		Return(nil, &types.InternalErrorException{Message: aws.String("boom")})

	auth := NewAuthenticator(client, AuthenticatorConfig{
		ClientID:        testClientID,
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
	}, zap.NewNop())

	creds := Credentials{Username: "alice", Password: "pw"}
	for i := 0; i < 2; i++ {
		_, err := auth.SignIn(context.Background(), creds)
		assert.Equal(t, KindProviderUnavailable, ProviderErrorKind(err))
	}

	_, err := auth.SignIn(context.Background(), creds)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindProviderUnavailable, perr.Kind)
	assert.Equal(t, "identity provider temporarily unavailable", perr.Message)
	client.AssertNumberOfCalls(t, "InitiateAuth", 2)
}

func TestCircuitBreaker_RejectionsDoNotTrip(t *testing.T) {
	client := new(MockIdentityProvider)
	client.On("InitiateAuth", mock.Anything, mock.Anything).
		Return(nil, &types.NotAuthorizedException{Message: aws.String("Incorrect username or password.")})

	auth := NewAuthenticator(client, AuthenticatorConfig{ClientID: testClientID, BreakerFailures: 2}, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := auth.SignIn(context.Background(), Credentials{Username: "alice", Password: "bad"})
		assert.Equal(t, KindAuthenticationRejected, ProviderErrorKind(err))
	}
	client.AssertNumberOfCalls(t, "InitiateAuth", 5)
}

func TestAuthenticator_RecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics("test")
	client := new(MockIdentityProvider)
	client.On("SignUp", mock.Anything, mock.Anything).Return(&cip.SignUpOutput{}, nil)

	auth := newTestAuthenticator(client, WithAuthenticatorMetrics(metrics))
	_, err := auth.Register(context.Background(), Registration{Username: "alice"})
	require.NoError(t, err)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "test_identity_provider_calls_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestProviderError_Format(t *testing.T) {
	err := &ProviderError{Kind: KindConfirmationRejected, Op: "ConfirmSignUp", Code: "CodeMismatchException", Message: "Invalid code"}
	assert.Equal(t, "ConfirmSignUp: confirmation_rejected (CodeMismatchException): Invalid code", err.Error())

	err = &ProviderError{Kind: KindProviderUnavailable, Op: "SignUp", Message: "timed out"}
	assert.Equal(t, "SignUp: provider_unavailable: timed out", err.Error())

	assert.Equal(t, ErrorKind(""), ProviderErrorKind(errors.New("plain")))
}
