package deliverylog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/models"
)

type fakeLister struct {
	limit int
	rows  []models.Delivery
	err   error
}

func (f *fakeLister) Recent(ctx context.Context, limit int) ([]models.Delivery, error) {
	f.limit = limit
	return f.rows, f.err
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandlerLists(t *testing.T) {
	lister := &fakeLister{rows: []models.Delivery{{ID: "01A", Status: models.StatusDelivered, Attempts: 1}}}
	rec := get(NewHandler(lister, zap.NewNop()), "/api/notifications/deliveries?limit=10")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, lister.limit)

	var body struct {
		Deliveries []models.Delivery `json:"deliveries"`
		Count      int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "01A", body.Deliveries[0].ID)
}

func TestHandlerDefaultLimit(t *testing.T) {
	lister := &fakeLister{}
	rec := get(NewHandler(lister, zap.NewNop()), "/api/notifications/deliveries")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultListLimit, lister.limit)
}

func TestHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		lister Lister
		target string
		status int
	}{
		{"no database", nil, "/api/notifications/deliveries", http.StatusServiceUnavailable},
		{"bad limit", &fakeLister{}, "/api/notifications/deliveries?limit=abc", http.StatusBadRequest},
		{"zero limit", &fakeLister{}, "/api/notifications/deliveries?limit=0", http.StatusBadRequest},
		{"query fails", &fakeLister{err: assert.AnError}, "/api/notifications/deliveries", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(NewHandler(tt.lister, zap.NewNop()), tt.target)
			assert.Equal(t, tt.status, rec.Code)

			var body models.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
			assert.NotContains(t, body.Error, assert.AnError.Error())
		})
	}
}
