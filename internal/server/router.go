package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/vaxguard/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const claimsContextKey = "vaxguard_claims"

var (
	errMissingLoginRoutes    = errors.New("login routes dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingUserDirectory  = errors.New("user directory dependency required")
)

// RouteRegistrar mounts a group of routes, such as the OAuth login flow.
type RouteRegistrar interface {
	RegisterRoutes(r gin.IRoutes)
}

type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

// UserDirectory resolves the account a session token was issued for.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*users.User, error)
	FindByUsername(ctx context.Context, username string) (*users.User, error)
}

type Dependencies struct {
	LoginRoutes    RouteRegistrar
	TokenValidator TokenValidator
	Users          UserDirectory
	Metrics        http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.LoginRoutes == nil {
		return nil, errMissingLoginRoutes
	}
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens: deps.TokenValidator,
		users:  deps.Users,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	deps.LoginRoutes.RegisterRoutes(router)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleCurrentUser)

	return router, nil
}

// corsMiddleware allows any origin without credentials unless an allow-list is
// configured; only listed origins may send the token cookie cross-site.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Query strings are omitted: the login redirect carries the session token.
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

type httpHandler struct {
	tokens TokenValidator
	users  UserDirectory
	logger *zap.Logger
}

type currentUserPayload struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	Roles    []string `json:"roles"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	claims, ok := c.Get(claimsContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.lookupUser(c.Request.Context(), claims.(auth.Claims))
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load current user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_lookup_failed"})
		return
	}

	roles := make([]string, 0, len(user.Roles))
	for _, role := range user.RoleSet() {
		roles = append(roles, string(role))
	}
	c.JSON(http.StatusOK, currentUserPayload{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Name:     user.Name,
		Provider: string(user.AuthProvider),
		Roles:    roles,
	})
}

func (h *httpHandler) lookupUser(ctx context.Context, claims auth.Claims) (*users.User, error) {
	if claims.UserID != "" {
		return h.users.FindByID(ctx, claims.UserID)
	}
	return h.users.FindByUsername(ctx, claims.Subject)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		level := zapcore.WarnLevel
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			level = zapcore.InfoLevel
		}
		if entry := h.logger.Check(level, "token validation failed"); entry != nil {
			entry.Write(zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}
