package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"soaflow/soa"
)

// writeServiceError maps soa errors onto the agent API.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *soa.ValidationError
		de *soa.DeliveryError
		fe *soa.FinalizationError
	)
	switch {
	case errors.As(err, &ve):
		WriteError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", ve.Error(), map[string]any{
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	case errors.Is(err, soa.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "soa not found", nil)
	case errors.Is(err, soa.ErrUnauthorized):
		WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "not permitted to act on this soa", nil)
	case errors.Is(err, soa.ErrInvalidTransition):
		var te *soa.TransitionError
		details := map[string]any{}
		if errors.As(err, &te) {
			details["status"] = string(te.From)
			details["event"] = string(te.Event)
		}
		WriteError(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error(), details)
	case errors.Is(err, soa.ErrConcurrentUpdate):
		WriteError(w, r, http.StatusConflict, "CONFLICT", "soa changed concurrently; reload and retry", nil)
	case errors.Is(err, soa.ErrFinalizationInProgress):
		WriteError(w, r, http.StatusConflict, "FINALIZATION_IN_PROGRESS", "the signed PDF is already being produced", nil)
	case errors.As(err, &de):
		WriteError(w, r, http.StatusBadGateway, "DELIVERY_FAILED", "the sign link could not be delivered; resend when the channel recovers", map[string]any{
			"soaId": de.SOAID,
		})
	case errors.As(err, &fe):
		WriteError(w, r, http.StatusBadGateway, "FINALIZATION_FAILED", "the signed PDF could not be produced yet", map[string]any{
			"soaId":          fe.SOAID,
			"retryScheduled": fe.RetryScheduled,
		})
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

// writePublicError maps soa errors for token holders. Missing, revoked,
// expired and finished links all look the same.
func (s *Server) writePublicError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *soa.ValidationError
	switch {
	case errors.As(err, &ve):
		WriteError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", ve.Error(), map[string]any{
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	case errors.Is(err, soa.ErrNotFound), errors.Is(err, soa.ErrInvalidTransition):
		WriteError(w, r, http.StatusGone, "LINK_INVALID", "This link is no longer valid.", nil)
	case errors.Is(err, soa.ErrConcurrentUpdate):
		WriteError(w, r, http.StatusConflict, "CONFLICT", "Please try again.", nil)
	default:
		s.logger.ErrorContext(r.Context(), "public request failed",
			slog.String("request_id", requestID(r.Context())),
			slog.Any("error", err))
		WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "Something went wrong. Please try again later.", nil)
	}
}
