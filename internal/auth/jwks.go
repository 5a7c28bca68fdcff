package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const minKeyRefetchInterval = time.Minute

var (
	errUnknownSigningKey = errors.New("auth: signing key not published by google")
	errEmptyKeySet       = errors.New("auth: google key set has no usable rsa signing keys")
)

// googleKeySet caches Google's published signing keys. The cache lifetime follows the
// response's Cache-Control max-age and falls back to the configured TTL.
type googleKeySet struct {
	url        string
	httpClient *http.Client
	fallback   time.Duration
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	expiresAt time.Time
}

func (s *googleKeySet) key(ctx context.Context, keyID string, now time.Time) (*rsa.PublicKey, error) {
	key, stale := s.cached(keyID, now)
	if key != nil {
		return key, nil
	}
	// Keys rotate, so an unknown kid refetches too, at most once per refetch interval.
	if stale || s.refetchAllowed(now) {
		if err := s.refresh(ctx, now); err != nil {
			return nil, err
		}
		if key, _ = s.cached(keyID, now); key != nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q", errUnknownSigningKey, keyID)
}

func (s *googleKeySet) cached(keyID string, now time.Time) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil || !now.Before(s.expiresAt) {
		return nil, true
	}
	return s.keys[keyID], false
}

func (s *googleKeySet) refetchAllowed(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.fetchedAt) >= minKeyRefetchInterval
}

func (s *googleKeySet) refresh(ctx context.Context, now time.Time) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return err
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("auth: fetch google keys: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: fetch google keys: status %d", response.StatusCode)
	}

	var document struct {
		Keys []googleJWK `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("auth: decode google keys: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, candidate := range document.Keys {
		publicKey, err := candidate.publicKey()
		if err != nil {
			s.logger.Debug("ignoring google key", zap.String("kid", candidate.KeyID), zap.Error(err))
			continue
		}
		keys[candidate.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errEmptyKeySet
	}

	lifetime := s.fallback
	if maxAge, ok := cacheMaxAge(response.Header.Get("Cache-Control")); ok {
		lifetime = maxAge
	}

	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = now
	s.expiresAt = now.Add(lifetime)
	s.mu.Unlock()

	s.logger.Debug("google keys refreshed", zap.Int("keys", len(keys)), zap.Duration("lifetime", lifetime))
	return nil
}

func cacheMaxAge(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

type googleJWK struct {
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Use       string `json:"use"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

func (k googleJWK) publicKey() (*rsa.PublicKey, error) {
	if k.KeyType != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.KeyType)
	}
	if k.Use != "" && k.Use != "sig" {
		return nil, fmt.Errorf("unsupported key use %q", k.Use)
	}
	if k.Algorithm != "" && k.Algorithm != jwt.SigningMethodRS256.Alg() {
		return nil, fmt.Errorf("unsupported key algorithm %q", k.Algorithm)
	}
	if k.KeyID == "" {
		return nil, errors.New("key id missing")
	}

	modulus, err := decodeKeyInteger(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	exponent, err := decodeKeyInteger(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if !exponent.IsInt64() || exponent.Int64() < 3 || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}

func decodeKeyInteger(encoded string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty value")
	}
	return new(big.Int).SetBytes(raw), nil
}
