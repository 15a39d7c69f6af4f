package cognito

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// maxJWKSBytes bounds the size of a JWKS document we are willing to read.
const maxJWKSBytes = 1 << 20

// SigningKey is one public verification key published by the user pool.
type SigningKey struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
}

// KeySet is an immutable snapshot of the user pool's signing keys.
type KeySet struct {
	Keys      map[string]*SigningKey
	FetchedAt time.Time
}

// Lookup returns the key with the given kid.
func (s *KeySet) Lookup(kid string) (*SigningKey, bool) {
	if s == nil {
		return nil, false
	}
	key, ok := s.Keys[kid]
	return key, ok
}

// Len returns the number of keys in the set.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Keys)
}

// KeyFetcher retrieves the current key set from its source.
type KeyFetcher interface {
	FetchKeys(ctx context.Context) (*KeySet, error)
}

// KeyFetcherFunc adapts a function to KeyFetcher.
type KeyFetcherFunc func(ctx context.Context) (*KeySet, error)

// FetchKeys calls f(ctx).
func (f KeyFetcherFunc) FetchKeys(ctx context.Context) (*KeySet, error) {
	return f(ctx)
}

// HTTPKeyFetcher downloads a JWKS document over HTTP.
type HTTPKeyFetcher struct {
	url        string
	httpClient *http.Client
}

// NewHTTPKeyFetcher creates a fetcher for the given JWKS URL. A nil client
// gets a default one with the given timeout.
func NewHTTPKeyFetcher(url string, client *http.Client, timeout time.Duration) *HTTPKeyFetcher {
	if client == nil {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPKeyFetcher{url: url, httpClient: client}
}

// URL returns the JWKS URL.
func (f *HTTPKeyFetcher) URL() string {
	return f.url
}

// FetchKeys implements KeyFetcher.
func (f *HTTPKeyFetcher) FetchKeys(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	return ParseKeySet(body)
}

// ParseKeySet converts a JWKS document into a KeySet. Keys without a kid,
// keys not meant for signatures and non-asymmetric keys are skipped. A
// document that yields no usable key is an error.
func ParseKeySet(data []byte) (*KeySet, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*SigningKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if key.KeyID() == "" {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != "sig" {
			continue
		}

		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode key %s: %w", key.KeyID(), err)
		}

		var pub crypto.PublicKey
		switch k := raw.(type) {
		case *rsa.PublicKey:
			pub = k
		case *ecdsa.PublicKey:
			pub = k
		default:
			continue
		}

		keys[key.KeyID()] = &SigningKey{
			KeyID:     key.KeyID(),
			Algorithm: key.Algorithm().String(),
			PublicKey: pub,
		}
	}

	if len(keys) == 0 {
		return nil, errors.New("JWKS contains no usable signing keys")
	}

	return &KeySet{Keys: keys}, nil
}
