package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"lirevox.dev/db"
)

const defaultHistoryLimit = 50

type HistorySummary struct {
	ID            uint      `json:"id"`
	Filename      string    `json:"filename"`
	SentenceCount int       `json:"sentence_count"`
	TokenCount    int       `json:"token_count"`
	JobID         *uint     `json:"job_id"`
	CreatedAt     time.Time `json:"created_at"`
}

type HistoryDetail struct {
	HistorySummary
	Sentences []string `json:"sentences"`
}

func (h *Handlers) ListHistory(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
		limit = n
	}

	items, err := h.History.ListForUser(caller.UserID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load history"})
	}

	summaries := make([]HistorySummary, 0, len(items))
	for i := range items {
		summaries = append(summaries, historySummary(&items[i]))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": summaries,
		"count": len(summaries),
	})
}

func (h *Handlers) GetHistory(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid history id"})
	}

	item, err := h.History.GetForUser(uint(id), caller.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "History not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load history"})
	}

	return c.JSON(http.StatusOK, HistoryDetail{
		HistorySummary: historySummary(item),
		Sentences:      item.Sentences(),
	})
}

func historySummary(item *db.History) HistorySummary {
	return HistorySummary{
		ID:            item.ID,
		Filename:      item.Filename,
		SentenceCount: item.SentenceCount,
		TokenCount:    item.TokenCount,
		JobID:         item.JobID,
		CreatedAt:     item.CreatedAt,
	}
}
