package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/models"
)

const maxBodyBytes = 64 << 10

// Handler serves POST /api/send-email for whichever Submitter is active.
type Handler struct {
	submitter Submitter
	logger    *zap.Logger
}

func NewHandler(submitter Submitter, logger *zap.Logger) *Handler {
	return &Handler{
		submitter: submitter,
		logger:    logger.Named("relay"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := payload.Validate(); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}

	// The submission outlives a disconnected caller; only the strategy's own
	// timeout bounds it.
	ctx := context.WithoutCancel(r.Context())

	accepted, err := h.submitter.Submit(ctx, payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SubmitResponse{
		Success: true,
		Message: accepted.Message,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("request_id", RequestIDFrom(r.Context())),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("error queueing email request", fields...)
	} else {
		h.logger.Warn("rejected email request", fields...)
	}
	writeJSON(w, status, models.ErrorResponse{Error: publicMessage(err)})
}

// decodePayload accepts exactly one JSON object.
func decodePayload(body io.Reader) (models.NotificationPayload, error) {
	var payload models.NotificationPayload

	raw, err := io.ReadAll(body)
	if err != nil {
		return payload, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return payload, fmt.Errorf("%w: body is not a JSON object", ErrMalformedPayload)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return payload, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedPayload)
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
