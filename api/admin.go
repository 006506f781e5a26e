package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type GrantRequest struct {
	UserID uint `json:"user_id"`
	Amount int  `json:"amount"`
}

// AdminGrant writes the monthly credit grant for a user. The ledger makes
// the grant idempotent per user and month, so re-posting is safe.
func (h *Handlers) AdminGrant(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}
	if !caller.Admin {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Admin access required"})
	}

	var req GrantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.UserID == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	if req.Amount <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
	}

	if err := h.Credits.MonthlyGrant(req.UserID, req.Amount); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to write grant"})
	}

	balance, err := h.Credits.Balance(req.UserID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read balance"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"balance": balance,
	})
}
