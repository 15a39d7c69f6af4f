package cognito

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenClaims are the claims Cognito puts in access and id tokens.
// Access tokens carry client_id and username; id tokens carry aud and
// cognito:username.
type tokenClaims struct {
	jwt.RegisteredClaims
	TokenUse        string `json:"token_use"`
	ClientID        string `json:"client_id,omitempty"`
	Username        string `json:"username,omitempty"`
	CognitoUsername string `json:"cognito:username,omitempty"`
	Scope           string `json:"scope,omitempty"`
	AuthTime        int64  `json:"auth_time,omitempty"`
}

func (c *tokenClaims) hasAudience(expected string) bool {
	if expected == "" {
		return false
	}
	if c.ClientID == expected {
		return true
	}
	for _, aud := range c.Audience {
		if aud == expected {
			return true
		}
	}
	return false
}

func (c *tokenClaims) username() string {
	if c.Username != "" {
		return c.Username
	}
	return c.CognitoUsername
}

// Principal is the identity established by a verified token.
type Principal struct {
	Username  string
	Subject   uuid.UUID
	ClientID  string
	TokenUse  string
	Scopes    []string
	IssuedAt  time.Time
	AuthTime  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether the token was granted scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func newPrincipal(c *tokenClaims) (*Principal, error) {
	username := c.username()
	if username == "" {
		return nil, fmt.Errorf("%w: username", ErrMissingClaim)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	sub, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: sub is not a UUID", ErrMalformedToken)
	}

	p := &Principal{
		Username:  username,
		Subject:   sub,
		ClientID:  c.ClientID,
		TokenUse:  c.TokenUse,
		Scopes:    strings.Fields(c.Scope),
		ExpiresAt: c.ExpiresAt.Time,
	}
	if p.ClientID == "" && len(c.Audience) > 0 {
		p.ClientID = c.Audience[0]
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.AuthTime > 0 {
		p.AuthTime = time.Unix(c.AuthTime, 0)
	}
	return p, nil
}
