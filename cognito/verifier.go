package cognito

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/sensor-gateway/observability"
	"go.uber.org/zap"
)

// Token uses issued by Cognito
const (
	TokenUseAccess = "access"
	TokenUseID     = "id"
)

var asymmetricAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

// IsAsymmetricAlgorithm reports whether alg is a public-key JWS algorithm
// the verifier can pin to.
func IsAsymmetricAlgorithm(alg string) bool {
	return asymmetricAlgorithms[alg]
}

// IssuerURL returns the issuer of tokens minted by the given user pool.
func IssuerURL(region, userPoolID string) string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

// JWKSURL returns the well-known key set location for an issuer.
func JWKSURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
}

// KeyResolver resolves a signing key by kid.
type KeyResolver interface {
	GetKey(ctx context.Context, kid string) (*SigningKey, error)
}

// RevocationChecker reports when a user last signed out globally.
type RevocationChecker interface {
	RevokedAt(ctx context.Context, username string) (time.Time, bool, error)
}

// VerifierConfig holds configuration for Verifier
type VerifierConfig struct {
	Issuer string
	// ClientID is the audience used when Verify is called without one.
	ClientID string
	// Algorithm is the only JWS algorithm accepted. Defaults to RS256.
	Algorithm string
	// TokenUse is the required token_use claim. Defaults to "access".
	TokenUse string
	Leeway   time.Duration
}

// Verifier validates Cognito-issued JWTs offline against cached signing keys.
type Verifier struct {
	keys        KeyResolver
	cfg         VerifierConfig
	parser      *jwt.Parser
	revocations RevocationChecker
	now         func() time.Time
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithRevocations rejects tokens issued before the owner's last global sign-out.
func WithRevocations(r RevocationChecker) VerifierOption {
	return func(v *Verifier) {
		v.revocations = r
	}
}

// WithVerifierClock overrides the time source used for exp and nbf checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithVerifierMetrics records verification results.
func WithVerifierMetrics(m *observability.Metrics) VerifierOption {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// NewVerifier creates a verifier pinned to cfg.Algorithm.
func NewVerifier(keys KeyResolver, cfg VerifierConfig, logger *zap.Logger, opts ...VerifierOption) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "RS256"
	}
	if !IsAsymmetricAlgorithm(cfg.Algorithm) {
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	if cfg.TokenUse == "" {
		cfg.TokenUse = TokenUseAccess
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Verifier{
		keys: keys,
		cfg:  cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{cfg.Algorithm}),
			jwt.WithoutClaimsValidation(),
		),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks the token's structure, signature and claims and returns the
// authenticated principal. An empty expectedAudience means the configured
// client ID. Every failure wraps one of the token sentinels in errors.go.
func (v *Verifier) Verify(ctx context.Context, raw, expectedAudience string) (*Principal, error) {
	principal, err := v.verify(ctx, raw, expectedAudience)
	v.metrics.RecordTokenVerification(TokenErrorReason(err))
	if err != nil {
		v.logger.Debug("token verification failed",
			zap.String("reason", TokenErrorReason(err)),
			zap.Error(err))
		return nil, err
	}
	return principal, nil
}

func (v *Verifier) verify(ctx context.Context, raw, expectedAudience string) (*Principal, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}
	if expectedAudience == "" {
		expectedAudience = v.cfg.ClientID
	}

	claims := &tokenClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: kid header not found", ErrMalformedToken)
		}

		key, err := v.keys.GetKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if key.Algorithm != "" && key.Algorithm != token.Method.Alg() {
			return nil, fmt.Errorf("%w: key %s is for %s, token uses %s",
				ErrInvalidSignature, kid, key.Algorithm, token.Method.Alg())
		}
		return key.PublicKey, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	if err := v.checkClaims(claims, expectedAudience); err != nil {
		return nil, err
	}

	principal, err := newPrincipal(claims)
	if err != nil {
		return nil, err
	}

	if err := v.checkRevocation(ctx, principal); err != nil {
		return nil, err
	}
	return principal, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrMalformedToken),
		errors.Is(err, ErrUnknownSigningKey),
		errors.Is(err, ErrKeyFetch),
		errors.Is(err, ErrInvalidSignature):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		// Disallowed or unknown algorithms and failed signatures.
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func (v *Verifier) checkClaims(claims *tokenClaims, expectedAudience string) error {
	now := v.now()

	if claims.Issuer != v.cfg.Issuer {
		return fmt.Errorf("%w: got %q", ErrIssuerMismatch, claims.Issuer)
	}

	if claims.TokenUse != v.cfg.TokenUse {
		return fmt.Errorf("%w: expected %q, got %q", ErrTokenUseMismatch, v.cfg.TokenUse, claims.TokenUse)
	}

	if !claims.hasAudience(expectedAudience) {
		return ErrAudienceMismatch
	}

	if claims.ExpiresAt == nil {
		return fmt.Errorf("%w: exp", ErrMissingClaim)
	}
	if !now.Before(claims.ExpiresAt.Add(v.cfg.Leeway)) {
		return fmt.Errorf("%w: at %s", ErrExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}

	if claims.NotBefore != nil && now.Add(v.cfg.Leeway).Before(claims.NotBefore.Time) {
		return ErrNotYetValid
	}

	return nil
}

func (v *Verifier) checkRevocation(ctx context.Context, p *Principal) error {
	if v.revocations == nil {
		return nil
	}

	revokedAt, ok, err := v.revocations.RevokedAt(ctx, p.Username)
	if err != nil {
		v.logger.Error("revocation lookup failed", zap.String("username", p.Username), zap.Error(err))
		return fmt.Errorf("%w: revocation lookup failed: %v", ErrTokenRevoked, err)
	}
	if !ok {
		return nil
	}

	issued := p.IssuedAt
	if issued.IsZero() {
		issued = p.AuthTime
	}
	if !issued.After(revokedAt) {
		return fmt.Errorf("%w: user signed out at %s", ErrTokenRevoked, revokedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
