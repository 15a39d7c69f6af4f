package cognito

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

const (
	testRegion   = "us-east-1"
	testPoolID   = "us-east-1_test123"
	testClientID = "test-client-id"
	testKid      = "test-kid-1"
)

var testIssuer = IssuerURL(testRegion, testPoolID)

// Test helper to generate RSA key pair
func generateTestKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return privateKey
}

type jwksEntry struct {
	kid string
	alg jwa.SignatureAlgorithm
	use string
	pub crypto.PublicKey
}

// Test helper to build a JWKS document
func buildJWKS(t *testing.T, entries ...jwksEntry) []byte {
	t.Helper()
	set := jwk.NewSet()
	for _, e := range entries {
		key, err := jwk.FromRaw(e.pub)
		require.NoError(t, err)
		if e.kid != "" {
			require.NoError(t, key.Set(jwk.KeyIDKey, e.kid))
		}
		if e.alg != "" {
			require.NoError(t, key.Set(jwk.AlgorithmKey, e.alg))
		}
		if e.use != "" {
			require.NoError(t, key.Set(jwk.KeyUsageKey, e.use))
		}
		require.NoError(t, set.AddKey(key))
	}
	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

func staticKeySet(keys ...*SigningKey) *KeySet {
	set := &KeySet{Keys: make(map[string]*SigningKey, len(keys))}
	for _, k := range keys {
		set.Keys[k.KeyID] = k
	}
	return set
}

// staticResolver serves keys from a fixed map
type staticResolver map[string]*SigningKey

func (r staticResolver) GetKey(_ context.Context, kid string) (*SigningKey, error) {
	key, ok := r[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownSigningKey, kid)
	}
	return key, nil
}

// accessClaims returns valid access token claims for username
func accessClaims(username string, now time.Time) *tokenClaims {
	return &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		TokenUse: TokenUseAccess,
		ClientID: testClientID,
		Username: username,
		Scope:    "aws.cognito.signin.user.admin",
		AuthTime: now.Unix(),
	}
}

// Test helper to sign a token
func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, kid string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	tokenString, err := token.SignedString(key)
	require.NoError(t, err)
	return tokenString
}
