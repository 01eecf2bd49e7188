package deliverylog

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/models"
)

// Lister is what the history endpoint reads from.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]models.Delivery, error)
}

// Handler serves GET /api/notifications/deliveries. A nil Lister means the
// server has no database and every request gets a 503.
type Handler struct {
	lister Lister
	logger *zap.Logger
}

func NewHandler(lister Lister, logger *zap.Logger) *Handler {
	return &Handler{lister: lister, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil {
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "Delivery history is not configured"})
		return
	}

	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	deliveries, err := h.lister.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list deliveries", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Internal Server Error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
