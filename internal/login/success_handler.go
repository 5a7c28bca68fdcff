package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/users"
	"go.uber.org/zap"
)

const (
	AttributeEmail = "email"
	AttributeName  = "name"
)

// Login outcomes reported to the OutcomeRecorder.
const (
	OutcomeCreated         = "created"
	OutcomeExisting        = "existing"
	OutcomeRolesBackfilled = "roles_backfilled"
	OutcomeFailed          = "failed"
)

var (
	// ErrMissingEmail indicates the identity assertion carried no email to key the user on.
	ErrMissingEmail          = errors.New("login: identity assertion missing email")
	errMissingUserStore      = errors.New("login: user store dependency required")
	errMissingTokenIssuer    = errors.New("login: token issuer dependency required")
	errMissingAuthentication = errors.New("login: authentication principal required")
)

// AttributeSource exposes the attributes of a verified identity assertion by name.
type AttributeSource interface {
	Attribute(name string) (string, bool)
}

// Authentication is a completed, provider-verified login.
type Authentication struct {
	Provider  users.AuthProvider
	Principal AttributeSource
}

// UserStore is the persistence the callback reconciles identities against.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*users.User, error)
	Save(ctx context.Context, user *users.User) (*users.User, error)
}

// TokenIssuer mints the session token handed to the frontend.
type TokenIssuer interface {
	Issue(ctx context.Context, principal auth.Principal) (string, error)
}

// OutcomeRecorder counts login outcomes.
type OutcomeRecorder interface {
	RecordLoginOutcome(outcome string)
}

// SuccessHandlerConfig bundles the callback's collaborators.
type SuccessHandlerConfig struct {
	Users                 UserStore
	Tokens                TokenIssuer
	Metrics               OutcomeRecorder
	Logger                *zap.Logger
	TrustForwardedHeaders bool
}

// SuccessHandler finishes a third-party login: it reconciles the local user, issues a
// token and redirects the browser to the frontend with the token attached.
type SuccessHandler struct {
	users          UserStore
	tokens         TokenIssuer
	metrics        OutcomeRecorder
	logger         *zap.Logger
	trustForwarded bool
}

// NewSuccessHandler validates dependencies and constructs the callback.
func NewSuccessHandler(cfg SuccessHandlerConfig) (*SuccessHandler, error) {
	if cfg.Users == nil {
		return nil, errMissingUserStore
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SuccessHandler{
		users:          cfg.Users,
		tokens:         cfg.Tokens,
		metrics:        metrics,
		logger:         logger,
		trustForwarded: cfg.TrustForwardedHeaders,
	}, nil
}

// OnAuthenticationSuccess writes exactly one redirect on success. Errors are returned to
// the caller without a response having been written.
func (h *SuccessHandler) OnAuthenticationSuccess(w http.ResponseWriter, r *http.Request, authentication Authentication) error {
	if authentication.Principal == nil {
		h.metrics.RecordLoginOutcome(OutcomeFailed)
		return errMissingAuthentication
	}
	email, _ := authentication.Principal.Attribute(AttributeEmail)
	name, _ := authentication.Principal.Attribute(AttributeName)

	h.logger.Info("oauth2 login succeeded", zap.String("email", email))

	if email == "" {
		h.metrics.RecordLoginOutcome(OutcomeFailed)
		return ErrMissingEmail
	}

	ctx := r.Context()
	provider := authentication.Provider
	if provider == "" {
		provider = users.AuthProviderGoogle
	}
	user, outcome, err := h.resolveUser(ctx, provider, email, name)
	if err != nil {
		h.metrics.RecordLoginOutcome(OutcomeFailed)
		return err
	}

	token, err := h.tokens.Issue(ctx, users.NewPrincipal(user))
	if err != nil {
		h.metrics.RecordLoginOutcome(OutcomeFailed)
		return fmt.Errorf("login: issue token: %w", err)
	}

	origin, err := RequestOrigin(r, h.trustForwarded)
	if err != nil {
		h.metrics.RecordLoginOutcome(OutcomeFailed)
		return err
	}
	target := RedirectTarget(origin, token)

	h.logger.Info("redirecting user to frontend",
		zap.String("email", email),
		zap.String("target", origin.BaseURL().String()),
	)
	h.metrics.RecordLoginOutcome(outcome)
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

func (h *SuccessHandler) resolveUser(ctx context.Context, provider users.AuthProvider, email, name string) (*users.User, string, error) {
	existing, err := h.users.FindByUsername(ctx, email)
	switch {
	case err == nil:
		h.logger.Info("existing user found", zap.String("email", email))
		return h.ensureRoles(ctx, existing)
	case !errors.Is(err, users.ErrUserNotFound):
		return nil, "", fmt.Errorf("login: find user: %w", err)
	}

	h.logger.Info("user not found, creating a new user", zap.String("email", email))
	user := &users.User{
		Username:     email,
		Email:        email,
		Name:         name,
		AuthProvider: provider,
	}
	user.SetRoles(users.DefaultRole)

	created, err := h.users.Save(ctx, user)
	if errors.Is(err, users.ErrDuplicateUsername) {
		// A concurrent first login for the same email won the insert.
		h.logger.Warn("concurrent user creation detected", zap.String("email", email))
		winner, findErr := h.users.FindByUsername(ctx, email)
		if findErr != nil {
			return nil, "", fmt.Errorf("login: reload user: %w", findErr)
		}
		return h.ensureRoles(ctx, winner)
	}
	if err != nil {
		return nil, "", fmt.Errorf("login: create user: %w", err)
	}
	return created, OutcomeCreated, nil
}

func (h *SuccessHandler) ensureRoles(ctx context.Context, user *users.User) (*users.User, string, error) {
	if user.HasRoles() {
		return user, OutcomeExisting, nil
	}
	h.logger.Warn("existing user is missing roles, assigning default role",
		zap.String("email", user.Username),
		zap.String("role", string(users.DefaultRole)),
	)
	user.SetRoles(users.DefaultRole)
	updated, err := h.users.Save(ctx, user)
	if err != nil {
		return nil, "", fmt.Errorf("login: backfill roles: %w", err)
	}
	return updated, OutcomeRolesBackfilled, nil
}

type nopRecorder struct{}

func (nopRecorder) RecordLoginOutcome(string) {}
