package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const issuedToken = "issued-token"

type attributes map[string]string

func (a attributes) Attribute(name string) (string, bool) {
	value, ok := a[name]
	return value, ok
}

type fakeUserStore struct {
	users     map[string]users.User
	saves     int
	findErr   error
	saveErr   error
	nextID    int
	duplicate *users.User
}

func newFakeUserStore(existing ...users.User) *fakeUserStore {
	store := &fakeUserStore{users: map[string]users.User{}}
	for _, user := range existing {
		store.users[user.Username] = user
	}
	return store
}

func (s *fakeUserStore) FindByUsername(_ context.Context, username string) (*users.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	user, ok := s.users[username]
	if !ok {
		return nil, users.ErrUserNotFound
	}
	return &user, nil
}

func (s *fakeUserStore) Save(_ context.Context, user *users.User) (*users.User, error) {
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	if s.duplicate != nil {
		s.users[s.duplicate.Username] = *s.duplicate
		s.duplicate = nil
		return nil, fmt.Errorf("%w: %s", users.ErrDuplicateUsername, user.Username)
	}
	s.saves++
	saved := *user
	if saved.ID == "" {
		s.nextID++
		saved.ID = fmt.Sprintf("user-%d", s.nextID)
	}
	s.users[saved.Username] = saved
	return &saved, nil
}

type fakeTokenIssuer struct {
	err      error
	subjects []string
}

func (f *fakeTokenIssuer) Issue(_ context.Context, principal auth.Principal) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.subjects = append(f.subjects, principal.Subject())
	return issuedToken, nil
}

type countingRecorder struct {
	outcomes []string
}

func (c *countingRecorder) RecordLoginOutcome(outcome string) {
	c.outcomes = append(c.outcomes, outcome)
}

func newHandler(t *testing.T, store UserStore, tokens TokenIssuer, logger *zap.Logger, recorder OutcomeRecorder) *SuccessHandler {
	t.Helper()
	handler, err := NewSuccessHandler(SuccessHandlerConfig{
		Users:   store,
		Tokens:  tokens,
		Metrics: recorder,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("failed to construct success handler: %v", err)
	}
	return handler
}

func googleLogin(email, name string) Authentication {
	return Authentication{
		Provider:  users.AuthProviderGoogle,
		Principal: attributes{AttributeEmail: email, AttributeName: name},
	}
}

func userWithRoles(username string, roles ...users.Role) users.User {
	user := users.User{ID: "existing-" + username, Username: username, Email: username, AuthProvider: users.AuthProviderGoogle}
	user.SetRoles(roles...)
	return user
}

func TestOnAuthenticationSuccessCreatesUserAndRedirects(t *testing.T) {
	store := newFakeUserStore()
	tokens := &fakeTokenIssuer{}
	outcomes := &countingRecorder{}
	handler := newHandler(t, store, tokens, zap.NewNop(), outcomes)

	request := httptest.NewRequest(http.MethodGet, "https://example.com:443/login/oauth2/code/google", http.NoBody)
	recorder := httptest.NewRecorder()

	if err := handler.OnAuthenticationSuccess(recorder, request, googleLogin("a@b.com", "A B")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if recorder.Code != http.StatusFound {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if location := recorder.Header().Get("Location"); location != "https://example.com/?token="+issuedToken {
		t.Fatalf("unexpected redirect %q", location)
	}

	created, ok := store.users["a@b.com"]
	if !ok {
		t.Fatalf("expected user to be created")
	}
	if created.Email != "a@b.com" || created.Name != "A B" || created.AuthProvider != users.AuthProviderGoogle {
		t.Fatalf("unexpected created user %#v", created)
	}
	roles := created.RoleSet()
	if len(roles) != 1 || roles[0] != users.RoleParent {
		t.Fatalf("unexpected roles %#v", roles)
	}
	if store.saves != 1 {
		t.Fatalf("expected exactly one write, got %d", store.saves)
	}
	if len(tokens.subjects) != 1 || tokens.subjects[0] != "a@b.com" {
		t.Fatalf("unexpected token subjects %#v", tokens.subjects)
	}
	if len(outcomes.outcomes) != 1 || outcomes.outcomes[0] != OutcomeCreated {
		t.Fatalf("unexpected outcomes %#v", outcomes.outcomes)
	}
}

func TestOnAuthenticationSuccessKeepsNonStandardPort(t *testing.T) {
	handler := newHandler(t, newFakeUserStore(), &fakeTokenIssuer{}, nil, nil)

	request := httptest.NewRequest(http.MethodGet, "https://example.com:8443/login/oauth2/code/google", http.NoBody)
	recorder := httptest.NewRecorder()

	if err := handler.OnAuthenticationSuccess(recorder, request, googleLogin("a@b.com", "A B")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if location := recorder.Header().Get("Location"); location != "https://example.com:8443/?token="+issuedToken {
		t.Fatalf("unexpected redirect %q", location)
	}
}

func TestOnAuthenticationSuccessLeavesPopulatedRolesUntouched(t *testing.T) {
	store := newFakeUserStore(userWithRoles("admin@example.com", users.RoleAdmin, users.RoleHealthWorker))
	outcomes := &countingRecorder{}
	handler := newHandler(t, store, &fakeTokenIssuer{}, nil, outcomes)

	for attempt := 0; attempt < 2; attempt++ {
		request := httptest.NewRequest(http.MethodGet, "http://localhost:8080/login/oauth2/code/google", http.NoBody)
		recorder := httptest.NewRecorder()
		if err := handler.OnAuthenticationSuccess(recorder, request, googleLogin("admin@example.com", "Renamed")); err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", attempt, err)
		}
		if location := recorder.Header().Get("Location"); location != "http://localhost:8080/?token="+issuedToken {
			t.Fatalf("unexpected redirect %q", location)
		}
	}

	if store.saves != 0 {
		t.Fatalf("expected no writes for a fully populated user, got %d", store.saves)
	}
	admin := store.users["admin@example.com"]
	roles := admin.RoleSet()
	if len(roles) != 2 || roles[0] != users.RoleAdmin || roles[1] != users.RoleHealthWorker {
		t.Fatalf("expected roles to be unchanged, got %#v", roles)
	}
	if admin.Name != "" {
		t.Fatalf("expected existing user profile to be left alone")
	}
	if len(outcomes.outcomes) != 2 || outcomes.outcomes[1] != OutcomeExisting {
		t.Fatalf("unexpected outcomes %#v", outcomes.outcomes)
	}
}

func TestOnAuthenticationSuccessBackfillsMissingRoles(t *testing.T) {
	store := newFakeUserStore(userWithRoles("legacy@example.com"))
	core, logs := observer.New(zapcore.DebugLevel)
	handler := newHandler(t, store, &fakeTokenIssuer{}, zap.New(core), nil)

	request := httptest.NewRequest(http.MethodGet, "http://example.com/login/oauth2/code/google", http.NoBody)
	recorder := httptest.NewRecorder()
	if err := handler.OnAuthenticationSuccess(recorder, request, googleLogin("legacy@example.com", "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.saves != 1 {
		t.Fatalf("expected a single write, got %d", store.saves)
	}
	legacy := store.users["legacy@example.com"]
	roles := legacy.RoleSet()
	if len(roles) != 1 || roles[0] != users.RoleParent {
		t.Fatalf("expected default role, got %#v", roles)
	}
	if legacy.ID != "existing-legacy@example.com" {
		t.Fatalf("expected the existing record to be updated in place")
	}
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warnings) != 1 || warnings[0].Message != "existing user is missing roles, assigning default role" {
		t.Fatalf("unexpected warnings %#v", warnings)
	}
	if location := recorder.Header().Get("Location"); location != "http://example.com/?token="+issuedToken {
		t.Fatalf("unexpected redirect %q", location)
	}
}

func TestOnAuthenticationSuccessPropagatesStoreFailure(t *testing.T) {
	storeErr := errors.New("database unavailable")
	store := newFakeUserStore()
	store.findErr = storeErr
	tokens := &fakeTokenIssuer{}
	outcomes := &countingRecorder{}
	handler := newHandler(t, store, tokens, nil, outcomes)

	request := httptest.NewRequest(http.MethodGet, "https://example.com/login/oauth2/code/google", http.NoBody)
	recorder := httptest.NewRecorder()
	err := handler.OnAuthenticationSuccess(recorder, request, googleLogin("a@b.com", "A B"))
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if recorder.Header().Get("Location") != "" {
		t.Fatalf("expected no redirect on failure")
	}
	if len(tokens.subjects) != 0 {
		t.Fatalf("expected no token to be issued")
	}
	if len(outcomes.outcomes) != 1 || outcomes.outcomes[0] != OutcomeFailed {
		t.Fatalf("unexpected outcomes %#v", outcomes.outcomes)
	}
}

func TestOnAuthenticationSuccessPropagatesSaveFailure(t *testing.T) {
	saveErr := errors.New("disk full")
	store := newFakeUserStore()
	store.saveErr = saveErr
	handler := newHandler(t, store, &fakeTokenIssuer{}, nil, nil)

	request := httptest.NewRequest(http.MethodGet, "https://example.com/", http.NoBody)
	err := handler.OnAuthenticationSuccess(httptest.NewRecorder(), request, googleLogin("a@b.com", "A B"))
	if !errors.Is(err, saveErr) {
		t.Fatalf("expected save error, got %v", err)
	}
}

func TestOnAuthenticationSuccessPropagatesTokenFailure(t *testing.T) {
	tokenErr := errors.New("signing failed")
	store := newFakeUserStore()
	handler := newHandler(t, store, &fakeTokenIssuer{err: tokenErr}, nil, nil)

	request := httptest.NewRequest(http.MethodGet, "https://example.com/", http.NoBody)
	recorder := httptest.NewRecorder()
	err := handler.OnAuthenticationSuccess(recorder, request, googleLogin("a@b.com", "A B"))
	if !errors.Is(err, tokenErr) {
		t.Fatalf("expected token error, got %v", err)
	}
	if recorder.Header().Get("Location") != "" {
		t.Fatalf("expected no redirect on failure")
	}
	if _, ok := store.users["a@b.com"]; !ok {
		t.Fatalf("expected user to stay persisted after token failure")
	}
}

func TestOnAuthenticationSuccessRejectsMissingEmail(t *testing.T) {
	store := newFakeUserStore()
	handler := newHandler(t, store, &fakeTokenIssuer{}, nil, nil)

	request := httptest.NewRequest(http.MethodGet, "https://example.com/", http.NoBody)
	login := Authentication{Principal: attributes{AttributeName: "No Email"}}
	err := handler.OnAuthenticationSuccess(httptest.NewRecorder(), request, login)
	if !errors.Is(err, ErrMissingEmail) {
		t.Fatalf("expected missing email error, got %v", err)
	}
	if store.saves != 0 || len(store.users) != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

func TestOnAuthenticationSuccessToleratesMissingName(t *testing.T) {
	store := newFakeUserStore()
	handler := newHandler(t, store, &fakeTokenIssuer{}, nil, nil)

	request := httptest.NewRequest(http.MethodGet, "https://example.com/", http.NoBody)
	login := Authentication{Principal: attributes{AttributeEmail: "quiet@example.com"}}
	if err := handler.OnAuthenticationSuccess(httptest.NewRecorder(), request, login); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created := store.users["quiet@example.com"]; created.Name != "" || created.AuthProvider != users.AuthProviderGoogle {
		t.Fatalf("unexpected user %#v", created)
	}
}

func TestOnAuthenticationSuccessStoresAttributesVerbatim(t *testing.T) {
	store := newFakeUserStore()
	tokens := &fakeTokenIssuer{}
	handler := newHandler(t, store, tokens, nil, nil)

	request := httptest.NewRequest(http.MethodGet, "https://example.com/", http.NoBody)
	if err := handler.OnAuthenticationSuccess(httptest.NewRecorder(), request, googleLogin(" a@b.com ", "  A B ")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	created, ok := store.users[" a@b.com "]
	if !ok {
		t.Fatalf("expected the email to be used as the username unchanged, got %v", store.users)
	}
	if created.Email != " a@b.com " || created.Name != "  A B " {
		t.Fatalf("expected attributes to be stored unchanged, got %q/%q", created.Email, created.Name)
	}
}

func TestOnAuthenticationSuccessReloadsAfterConcurrentCreate(t *testing.T) {
	winner := userWithRoles("race@example.com", users.RoleParent)
	store := newFakeUserStore()
	store.duplicate = &winner
	tokens := &fakeTokenIssuer{}
	outcomes := &countingRecorder{}
	handler := newHandler(t, store, tokens, nil, outcomes)

	request := httptest.NewRequest(http.MethodGet, "https://example.com/", http.NoBody)
	recorder := httptest.NewRecorder()
	if err := handler.OnAuthenticationSuccess(recorder, request, googleLogin("race@example.com", "Racer")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", recorder.Code)
	}
	if len(store.users) != 1 || store.users["race@example.com"].ID != winner.ID {
		t.Fatalf("expected the winning record to be reused, got %#v", store.users)
	}
	if len(outcomes.outcomes) != 1 || outcomes.outcomes[0] != OutcomeExisting {
		t.Fatalf("unexpected outcomes %#v", outcomes.outcomes)
	}
}

func TestNewSuccessHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewSuccessHandler(SuccessHandlerConfig{Tokens: &fakeTokenIssuer{}}); err == nil {
		t.Fatalf("expected error for missing user store")
	}
	if _, err := NewSuccessHandler(SuccessHandlerConfig{Users: newFakeUserStore()}); err == nil {
		t.Fatalf("expected error for missing token issuer")
	}
}

func TestOnAuthenticationSuccessWithSQLiteStoreAndJWT(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:login_e2e?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.User{}, &users.UserRole{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := users.NewStore(users.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("e2e-secret"),
		Issuer:        "vaxguard-auth",
		Audience:      "vaxguard-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	handler := newHandler(t, store, issuer, nil, nil)

	request := httptest.NewRequest(http.MethodGet, "https://example.com/login/oauth2/code/google", http.NoBody)
	recorder := httptest.NewRecorder()
	if err := handler.OnAuthenticationSuccess(recorder, request, googleLogin("a@b.com", "A B")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	location, err := recorder.Result().Location()
	if err != nil {
		t.Fatalf("missing redirect location: %v", err)
	}
	if location.Scheme != "https" || location.Host != "example.com" || location.Path != "/" {
		t.Fatalf("unexpected redirect %s", location)
	}
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte("e2e-secret"),
		Issuer:        "vaxguard-auth",
		Audience:      "vaxguard-api",
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	claims, err := validator.ValidateToken(location.Query().Get("token"))
	if err != nil {
		t.Fatalf("redirect token did not validate: %v", err)
	}
	if claims.Subject != "a@b.com" || len(claims.Roles) != 1 || claims.Roles[0] != "PARENT" {
		t.Fatalf("unexpected claims %#v", claims)
	}

	persisted, err := store.FindByUsername(context.Background(), "a@b.com")
	if err != nil {
		t.Fatalf("expected persisted user: %v", err)
	}
	if persisted.ID == "" || claims.UserID != persisted.ID {
		t.Fatalf("expected token to carry the persisted id, got %q vs %q", claims.UserID, persisted.ID)
	}
}
