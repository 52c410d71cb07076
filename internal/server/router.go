package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/relay"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/transport"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/users"
)

const claimsContextKey = "manuscript_session_claims"

var (
	errMissingValidator   = errors.New("session validator dependency required")
	errMissingDocuments   = errors.New("document store dependency required")
	errMissingAccess      = errors.New("access service dependency required")
	errMissingPersistence = errors.New("persistence adapter dependency required")
	errMissingRelay       = errors.New("relay dependency required")
	errMissingLimiter     = errors.New("rate limiter dependency required")
)

// SessionValidator authenticates administrative requests.
type SessionValidator interface {
	ValidateRequest(request *http.Request) (auth.SessionClaims, error)
}

// Dependencies lists the collaborators of the HTTP surface.
type Dependencies struct {
	Validator   SessionValidator
	Documents   *documents.Store
	Access      *access.Service
	Persistence *persistence.Adapter
	Relay       *relay.Relay
	Limiter     *ratelimit.Limiter
	// Users is optional; when set every authenticated request refreshes the
	// caller's profile.
	Users    *users.Service
	Metrics  *metrics.Metrics
	Upgrader *transport.Upgrader
	// AllowedOrigins feeds CORS; empty allows any origin.
	AllowedOrigins []string
	// AdminRole may inspect and reset other users' rate limits.
	AdminRole string
	Logger    *zap.Logger
}

// NewHTTPHandler wires the administrative API, the room websocket endpoint
// and the operational endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Access == nil {
		return nil, errMissingAccess
	}
	if deps.Persistence == nil {
		return nil, errMissingPersistence
	}
	if deps.Relay == nil {
		return nil, errMissingRelay
	}
	if deps.Limiter == nil {
		return nil, errMissingLimiter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := deps.Upgrader
	if upgrader == nil {
		upgrader = transport.NewUpgrader(deps.AllowedOrigins, transport.Options{})
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator:   deps.Validator,
		documents:   deps.Documents,
		access:      deps.Access,
		persistence: deps.Persistence,
		relay:       deps.Relay,
		limiter:     deps.Limiter,
		users:       deps.Users,
		upgrader:    upgrader,
		adminRole:   deps.AdminRole,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	// The socket authenticates with the JOIN frame, not with headers.
	router.GET("/rooms/:id/ws", handler.handleRoomSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:id/members", handler.handleListMembers)
	protected.POST("/documents/:id/members", handler.handleGrant)
	protected.DELETE("/documents/:id/members/:userId", handler.handleRevoke)
	protected.GET("/documents/:id/access", handler.handleCheckAccess)
	protected.GET("/documents/:id/audit", handler.handleListAudit)
	protected.GET("/documents/:id/export", handler.handleExport)
	protected.PUT("/documents/:id/import", handler.handleImport)
	protected.DELETE("/documents/:id/snapshot", handler.handlePurge)
	protected.GET("/ratelimit/:userId", handler.handleRateLimitStatus)
	protected.DELETE("/ratelimit/:userId", handler.handleRateLimitReset)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	validator   SessionValidator
	documents   *documents.Store
	access      *access.Service
	persistence *persistence.Adapter
	relay       *relay.Relay
	limiter     *ratelimit.Limiter
	users       *users.Service
	upgrader    *transport.Upgrader
	adminRole   string
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.users != nil {
		if _, err := h.users.Touch(c.Request.Context(), claims); err != nil {
			h.logger.Warn("profile refresh failed", zap.String("user_id", claims.UserID), zap.Error(err))
		}
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func sessionClaims(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

type healthResponsePayload struct {
	Status         string `json:"status"`
	Rooms          int    `json:"rooms"`
	Connections    int    `json:"connections"`
	PendingUpdates int    `json:"pendingUpdates"`
}

// handleHealth stays 200 while persistence is degraded: live editing keeps
// working and the status field carries the degradation.
func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.relay.Stats()
	status := "ok"
	if h.persistence.Degraded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:         status,
		Rooms:          stats.Rooms,
		Connections:    stats.Connections,
		PendingUpdates: h.persistence.Pending(),
	})
}
