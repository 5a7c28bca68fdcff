package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// GoogleJWKSURL publishes the keys Google signs ID tokens with.
	GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

	defaultGoogleKeyTTL = time.Hour
	googleClockSkew     = 30 * time.Second
)

// GoogleIssuers are the issuer values Google places in ID tokens.
var GoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	ErrInvalidVerifierConfig = errors.New("auth: invalid google verifier config")
	// ErrUnverifiedEmail rejects Google accounts whose email address Google has not verified.
	ErrUnverifiedEmail = errors.New("auth: google email address not verified")
	// ErrUntrustedIssuer rejects ID tokens minted by anyone other than Google.
	ErrUntrustedIssuer = errors.New("auth: id token issuer not trusted")

	errMissingIDToken        = errors.New("auth: id token must not be empty")
	errMissingKeyIdentifier  = errors.New("auth: id token header missing kid")
	errMissingSubject        = errors.New("auth: id token missing subject")
	errMissingEmailClaim     = errors.New("auth: id token missing email")
	errWrongAuthorizedParty  = errors.New("auth: id token issued to another client")
	errMissingAudienceConfig = errors.New("client id (audience) required")
	errMissingJWKSURL        = errors.New("jwks url required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")
)

// GoogleVerifierConfig configures ID token verification for one OAuth client.
type GoogleVerifierConfig struct {
	// Audience is the OAuth client id the tokens must be issued to.
	Audience string
	// JWKSURL defaults to GoogleJWKSURL.
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	// CacheTTL applies when the key response carries no Cache-Control max-age.
	CacheTTL time.Duration
	Logger   *zap.Logger
	Clock    func() time.Time
}

type googleIDTokenClaims struct {
	Email           string     `json:"email"`
	EmailVerified   googleBool `json:"email_verified"`
	Name            string     `json:"name"`
	Picture         string     `json:"picture"`
	HostedDomain    string     `json:"hd"`
	AuthorizedParty string     `json:"azp"`
	jwt.RegisteredClaims
}

// GoogleVerifier turns the id_token from a Google code exchange into a GoogleIdentity.
// Only signed, unexpired tokens for this client carrying a verified email are accepted.
type GoogleVerifier struct {
	audience string
	issuers  map[string]struct{}
	keys     *googleKeySet
	clock    func() time.Time
	parser   *jwt.Parser
}

// NewGoogleVerifier validates configuration and constructs a verifier.
func NewGoogleVerifier(cfg GoogleVerifierConfig) (*GoogleVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if cfg.JWKSURL == "" {
		jwksURL = GoogleJWKSURL
	}
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}

	allowed := cfg.AllowedIssuers
	if allowed == nil {
		allowed = GoogleIssuers
	}
	issuers := make(map[string]struct{}, len(allowed))
	for _, issuer := range allowed {
		if trimmed := strings.TrimSpace(issuer); trimmed != "" {
			issuers[trimmed] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	keyTTL := cfg.CacheTTL
	if keyTTL <= 0 {
		keyTTL = defaultGoogleKeyTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &GoogleVerifier{
		audience: audience,
		issuers:  issuers,
		keys: &googleKeySet{
			url:        jwksURL,
			httpClient: httpClient,
			fallback:   keyTTL,
			logger:     logger,
		},
		clock: clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(googleClockSkew),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// Verify checks the token signature and claims and returns the asserted identity.
func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (GoogleIdentity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return GoogleIdentity{}, errMissingIDToken
	}

	claims := &googleIDTokenClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		keyID, _ := token.Header["kid"].(string)
		if keyID == "" {
			return nil, errMissingKeyIdentifier
		}
		return v.keys.key(ctx, keyID, v.clock())
	})
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("auth: google id token rejected: %w", err)
	}

	if _, trusted := v.issuers[claims.Issuer]; !trusted {
		return GoogleIdentity{}, fmt.Errorf("%w: %q", ErrUntrustedIssuer, claims.Issuer)
	}
	if claims.Subject == "" {
		return GoogleIdentity{}, errMissingSubject
	}
	if claims.AuthorizedParty != "" && claims.AuthorizedParty != v.audience {
		return GoogleIdentity{}, errWrongAuthorizedParty
	}
	// Users are keyed by email, so an unverified address could claim someone else's account.
	if claims.Email == "" {
		return GoogleIdentity{}, errMissingEmailClaim
	}
	if !claims.EmailVerified {
		return GoogleIdentity{}, ErrUnverifiedEmail
	}

	identity := GoogleIdentity{
		Subject:      claims.Subject,
		Email:        claims.Email,
		Name:         claims.Name,
		Picture:      claims.Picture,
		HostedDomain: claims.HostedDomain,
		Issuer:       claims.Issuer,
		Audience:     v.audience,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}
