package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

type errorResponse struct {
	Error     string                   `json:"error"`
	Providers []domain.ProviderFailure `json:"providers,omitempty"`
}

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrStateConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrAllProvidersUnavailable),
		domain.IsKind(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	resp := errorResponse{Error: err.Error()}

	var providersErr *domain.AllProvidersUnavailableError
	if errors.As(err, &providersErr) {
		resp.Providers = providersErr.Failures
	}
	switch status {
	case http.StatusUnauthorized:
		resp.Error = "missing or invalid api key"
	case http.StatusInternalServerError:
		slog.Error("http_internal_error", "error", err)
		resp.Error = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}
