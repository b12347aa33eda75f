package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bitespeed-identity/internal/config"
	"bitespeed-identity/internal/middleware"
	"bitespeed-identity/internal/models"
	"bitespeed-identity/internal/service"
)

const maxBodyBytes = 1 << 20

//go:generate mockgen -source=identify.go -destination=mocks/identifier_mock.go -package=mocks Identifier

// Identifier resolves one sighting into its identity view.
type Identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	identifier Identifier
	log        *slog.Logger
	retry      service.RetryPolicy
}

// NewIdentifyHandler creates a new identify handler. Conflicts reported by
// the identifier are retried up to cfg.MaxRetries times.
func NewIdentifyHandler(log *slog.Logger, identifier Identifier, cfg config.IdentifyConfig) *IdentifyHandler {
	return &IdentifyHandler{
		identifier: identifier,
		log:        log.With("handler", "identify"),
		retry:      service.RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff},
	}
}

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Details []models.FieldError `json:"details,omitempty"`
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	var req models.IdentifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.log.DebugContext(r.Context(), "invalid identify body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}

	if _, err := req.Sighting(); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.identifyWithRetry(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// identifyWithRetry reruns the whole identify unit of work while it reports a
// conflict. Any other error stops immediately.
func (h *IdentifyHandler) identifyWithRetry(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	attempt := 0
	return service.RetryOnConflict(ctx, h.retry,
		func() (*models.IdentifyResponse, error) {
			attempt++
			return h.identifier.Identify(ctx, req)
		},
		func(err error, wait time.Duration) {
			h.log.WarnContext(ctx, "identify conflict",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()),
				slog.String("request_id", middleware.RequestIDFromCtx(ctx)),
			)
		},
	)
}

func (h *IdentifyHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Email or phone number required",
			Details: verr.Errors,
		})
	case errors.Is(err, models.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "concurrent update on the same contact, retry"})
	default:
		h.log.ErrorContext(r.Context(), "identify failed",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.RequestIDFromCtx(r.Context())),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
