// Package api exposes the HTTP surface of the job pipeline: credit
// estimation, job confirmation and dispatch, polling, cancellation,
// manual chunk retry, and the history read side.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"lirevox.dev/db"
	"lirevox.dev/ledger"
	"lirevox.dev/queue"
	"lirevox.dev/security"
	"lirevox.dev/storage"
)

type Handlers struct {
	Jobs    *db.JobStore
	Chunks  *db.ChunkStore
	History *db.HistoryStore
	Credits *ledger.Service
	Broker  queue.Broker
	JWT     *security.JWTService
	Logger  *logrus.Logger

	// Payloads, when set, takes uploads above DocumentInlineLimit out of
	// the job row into object storage.
	Payloads            storage.PayloadStore
	DocumentInlineLimit int

	PricingRate        float64
	MaxEstimatedTokens int
	MaxUploadBytes     int64
	JWTExpiration      time.Duration

	// Health reports readiness of the backing services for /healthz.
	Health func(ctx context.Context) error
}

func SetupRoutes(e *echo.Echo, h *Handlers, jwtSecret string) {
	// Public routes
	e.GET("/healthz", h.Healthz)
	e.POST("/auth/token", h.GenerateToken)

	// Protected routes
	protected := e.Group("/api")
	protected.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(jwtSecret),
		TokenLookup: "header:Authorization:Bearer ",
	}))

	protected.POST("/estimate", h.Estimate)
	protected.POST("/jobs/confirm", h.ConfirmJob)
	protected.POST("/process-pdf-async", h.ProcessPDFAsync)
	protected.GET("/jobs/:id", h.GetJob)
	protected.POST("/jobs/:id/cancel", h.CancelJob)
	protected.GET("/jobs/:id/chunks", h.GetJobChunks)
	protected.POST("/jobs/:id/chunks/retry", h.RetryChunks)
	protected.GET("/history", h.ListHistory)
	protected.GET("/history/:id", h.GetHistory)
	protected.POST("/admin/grants", h.AdminGrant)
}

// identity is the authenticated caller extracted from the JWT middleware.
type identity struct {
	UserID uint
	Admin  bool
}

func callerIdentity(c echo.Context) (identity, bool) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return identity{}, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return identity{}, false
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return identity{}, false
	}
	userID, err := strconv.ParseUint(sub, 10, 64)
	if err != nil {
		return identity{}, false
	}
	admin, _ := claims["admin"].(bool)
	return identity{UserID: uint(userID), Admin: admin}, true
}

func (h *Handlers) Healthz(c echo.Context) error {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type TokenRequest struct {
	UserID uint `json:"user_id"`
	Admin  bool `json:"admin"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (h *Handlers) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	if req.UserID == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	expiration := h.JWTExpiration
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	token, err := h.JWT.GenerateToken(req.UserID, req.Admin, expiration)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to generate token"})
	}

	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}
