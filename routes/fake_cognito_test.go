package routes

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

const (
	fakeKid          = "fake-kid-1"
	confirmationCode = "123456"
)

type fakeUser struct {
	password  string
	email     string
	sub       uuid.UUID
	confirmed bool
	code      string
}

// fakeCognito is an in-memory user pool. It issues RS256 tokens signed with
// a key published on an httptest JWKS endpoint.
type fakeCognito struct {
	t        *testing.T
	issuer   string
	clientID string
	key      *rsa.PrivateKey
	jwks     *httptest.Server

	mu           sync.Mutex
	users        map[string]*fakeUser
	accessTokens map[string]string // token -> username
	offset       time.Duration
	jwksHits     int
}

func newFakeCognito(t *testing.T, issuer, clientID string) *fakeCognito {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeCognito{
		t:            t,
		issuer:       issuer,
		clientID:     clientID,
		key:          key,
		users:        make(map[string]*fakeUser),
		accessTokens: make(map[string]string),
	}

	pub, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, fakeKid))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
	require.NoError(t, pub.Set(jwk.KeyUsageKey, "sig"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	doc, err := json.Marshal(set)
	require.NoError(t, err)

	f.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.jwksHits++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(f.jwks.Close)

	return f
}

func (f *fakeCognito) JWKSURL() string {
	return f.jwks.URL + "/.well-known/jwks.json"
}

// advance moves the issuing clock forward so new tokens post-date a sign-out.
func (f *fakeCognito) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset += d
}

func (f *fakeCognito) SignUp(_ context.Context, in *cognitoidentityprovider.SignUpInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.SignUpOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	username := aws.ToString(in.Username)
	if _, exists := f.users[username]; exists {
		return nil, &types.UsernameExistsException{Message: aws.String("User already exists")}
	}
	if len(aws.ToString(in.Password)) < 8 {
		return nil, &types.InvalidPasswordException{Message: aws.String("Password did not conform with policy: Password not long enough")}
	}

	var email string
	for _, attr := range in.UserAttributes {
		if aws.ToString(attr.Name) == "email" {
			email = aws.ToString(attr.Value)
		}
	}

	f.users[username] = &fakeUser{
		password: aws.ToString(in.Password),
		email:    email,
		sub:      uuid.New(),
		code:     confirmationCode,
	}
	return &cognitoidentityprovider.SignUpOutput{UserConfirmed: false}, nil
}

func (f *fakeCognito) ConfirmSignUp(_ context.Context, in *cognitoidentityprovider.ConfirmSignUpInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ConfirmSignUpOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[aws.ToString(in.Username)]
	if !ok {
		return nil, &types.UserNotFoundException{Message: aws.String("Username/client id combination not found.")}
	}
	if user.confirmed {
		return nil, &types.NotAuthorizedException{Message: aws.String("User cannot be confirmed. Current status is CONFIRMED")}
	}
	if aws.ToString(in.ConfirmationCode) != user.code {
		return nil, &types.CodeMismatchException{Message: aws.String("Invalid verification code provided, please try again.")}
	}

	user.confirmed = true
	user.code = ""
	return &cognitoidentityprovider.ConfirmSignUpOutput{}, nil
}

func (f *fakeCognito) InitiateAuth(_ context.Context, in *cognitoidentityprovider.InitiateAuthInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	username := in.AuthParameters["USERNAME"]
	user, ok := f.users[username]
	if !ok || user.password != in.AuthParameters["PASSWORD"] {
		return nil, &types.NotAuthorizedException{Message: aws.String("Incorrect username or password.")}
	}
	if !user.confirmed {
		return nil, &types.UserNotConfirmedException{Message: aws.String("User is not confirmed.")}
	}

	now := time.Now().Add(f.offset)
	access := f.sign(jwt.MapClaims{
		"sub":       user.sub.String(),
		"iss":       f.issuer,
		"client_id": f.clientID,
		"token_use": "access",
		"scope":     "aws.cognito.signin.user.admin",
		"username":  username,
		"auth_time": now.Unix(),
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
		"jti":       uuid.NewString(),
	})
	id := f.sign(jwt.MapClaims{
		"sub":              user.sub.String(),
		"iss":              f.issuer,
		"aud":              f.clientID,
		"token_use":        "id",
		"cognito:username": username,
		"email":            user.email,
		"auth_time":        now.Unix(),
		"iat":              now.Unix(),
		"exp":              now.Add(time.Hour).Unix(),
	})
	f.accessTokens[access] = username

	refresh := make([]byte, 32)
	_, _ = rand.Read(refresh)

	return &cognitoidentityprovider.InitiateAuthOutput{
		AuthenticationResult: &types.AuthenticationResultType{
			AccessToken:  aws.String(access),
			IdToken:      aws.String(id),
			RefreshToken: aws.String(hex.EncodeToString(refresh)),
			ExpiresIn:    3600,
			TokenType:    aws.String("Bearer"),
		},
	}, nil
}

func (f *fakeCognito) GlobalSignOut(_ context.Context, in *cognitoidentityprovider.GlobalSignOutInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.GlobalSignOutOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	username, ok := f.accessTokens[aws.ToString(in.AccessToken)]
	if !ok {
		return nil, &types.NotAuthorizedException{Message: aws.String("Access Token has been revoked")}
	}
	for token, owner := range f.accessTokens {
		if owner == username {
			delete(f.accessTokens, token)
		}
	}
	return &cognitoidentityprovider.GlobalSignOutOutput{}, nil
}

func (f *fakeCognito) sign(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = fakeKid
	signed, err := token.SignedString(f.key)
	require.NoError(f.t, err)
	return signed
}

func signUpInput(username, password string) *cognitoidentityprovider.SignUpInput {
	return &cognitoidentityprovider.SignUpInput{
		Username: aws.String(username),
		Password: aws.String(password),
	}
}

func initiateAuthInput(username, password string) *cognitoidentityprovider.InitiateAuthInput {
	return &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		AuthParameters: map[string]string{
			"USERNAME": username,
			"PASSWORD": password,
		},
	}
}
