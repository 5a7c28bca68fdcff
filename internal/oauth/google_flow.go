package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/login"
	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	AuthorizationPath = "/oauth2/authorization/google"
	CallbackPath      = "/login/oauth2/code/google"
)

var (
	ErrInvalidState    = errors.New("oauth: state mismatch")
	ErrMissingVerifier = errors.New("oauth: pkce verifier missing")
	ErrMissingIDToken  = errors.New("oauth: token response missing id_token")

	errMissingClientConfig   = errors.New("oauth: client id, secret and redirect url are required")
	errMissingIDTokenChecker = errors.New("oauth: id token verifier dependency required")
	errMissingSuccessHandler = errors.New("oauth: success handler dependency required")
)

// IDTokenVerifier validates the id_token returned by the code exchange.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.GoogleIdentity, error)
}

// SuccessHandler completes a verified login.
type SuccessHandler interface {
	OnAuthenticationSuccess(w http.ResponseWriter, r *http.Request, authentication login.Authentication) error
}

// RejectionRecorder counts callbacks rejected before a login completes.
type RejectionRecorder interface {
	RecordCallbackRejection(reason string)
}

// GoogleFlowConfig configures the Google authorization-code flow.
type GoogleFlowConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
	HTTPClient   *http.Client
	Verifier     IDTokenVerifier
	Success      SuccessHandler
	Metrics      RejectionRecorder
	Logger       *zap.Logger
}

// GoogleFlow drives the browser through Google's consent screen and hands the verified
// identity to the login success handler.
type GoogleFlow struct {
	oauthConfig   *oauth2.Config
	httpClient    *http.Client
	verifier      IDTokenVerifier
	success       SuccessHandler
	metrics       RejectionRecorder
	logger        *zap.Logger
	secureCookies bool
}

// NewGoogleFlow validates configuration and constructs the flow.
func NewGoogleFlow(cfg GoogleFlowConfig) (*GoogleFlow, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	redirectURL := strings.TrimSpace(cfg.RedirectURL)
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil, errMissingClientConfig
	}
	parsedRedirect, err := url.Parse(redirectURL)
	if err != nil {
		return nil, err
	}
	if cfg.Verifier == nil {
		return nil, errMissingIDTokenChecker
	}
	if cfg.Success == nil {
		return nil, errMissingSuccessHandler
	}

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = endpoints.Google
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopRejectionRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GoogleFlow{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		httpClient:    cfg.HTTPClient,
		verifier:      cfg.Verifier,
		success:       cfg.Success,
		metrics:       metrics,
		logger:        logger,
		secureCookies: parsedRedirect.Scheme == "https",
	}, nil
}

// RegisterRoutes mounts the authorization and callback endpoints.
func (f *GoogleFlow) RegisterRoutes(r gin.IRoutes) {
	r.GET(AuthorizationPath, f.authorize)
	r.GET(CallbackPath, f.callback)
}

func (f *GoogleFlow) authorize(c *gin.Context) {
	state, err := newState()
	if err != nil {
		f.logger.Error("failed to generate oauth state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state_generation_failed"})
		return
	}
	verifier := oauth2.GenerateVerifier()

	f.setFlowCookie(c, stateCookieName, state)
	f.setFlowCookie(c, verifierCookieName, verifier)

	authURL := f.oauthConfig.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(verifier),
	)
	c.Redirect(http.StatusFound, authURL)
}

func (f *GoogleFlow) callback(c *gin.Context) {
	if providerError := c.Query("error"); providerError != "" {
		f.logger.Warn("oauth callback returned error",
			zap.String("error", providerError),
			zap.String("description", c.Query("error_description")),
		)
		f.metrics.RecordCallbackRejection("provider_error")
		f.clearFlowCookies(c)
		c.Redirect(http.StatusFound, "/?error="+url.QueryEscape(providerError))
		return
	}

	if !validState(c) {
		f.logger.Warn("oauth callback rejected", zap.Error(ErrInvalidState))
		f.metrics.RecordCallbackRejection("invalid_state")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_state"})
		return
	}

	code := c.Query("code")
	if code == "" {
		f.metrics.RecordCallbackRejection("missing_code")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	verifier := codeVerifier(c)
	if verifier == "" {
		f.logger.Warn("oauth callback rejected", zap.Error(ErrMissingVerifier))
		f.metrics.RecordCallbackRejection("missing_verifier")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_pkce_verifier"})
		return
	}
	f.clearFlowCookies(c)

	ctx := c.Request.Context()
	identity, err := f.exchange(ctx, code, verifier)
	if errors.Is(err, auth.ErrUnverifiedEmail) {
		f.logger.Warn("google account email not verified", zap.Error(err))
		f.metrics.RecordCallbackRejection("unverified_email")
		c.JSON(http.StatusForbidden, gin.H{"error": "email_not_verified"})
		return
	}
	if err != nil {
		f.logger.Warn("google authentication failed", zap.Error(err))
		f.metrics.RecordCallbackRejection("authentication_failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
		return
	}

	authentication := login.Authentication{
		Provider:  users.AuthProviderGoogle,
		Principal: identity,
	}
	if err := f.success.OnAuthenticationSuccess(c.Writer, c.Request, authentication); err != nil {
		f.logger.Error("login success handling failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}
}

func (f *GoogleFlow) exchange(ctx context.Context, code, verifier string) (auth.GoogleIdentity, error) {
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	token, err := f.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return auth.GoogleIdentity{}, err
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return auth.GoogleIdentity{}, ErrMissingIDToken
	}
	return f.verifier.Verify(ctx, rawIDToken)
}

type nopRejectionRecorder struct{}

func (nopRejectionRecorder) RecordCallbackRejection(string) {}
