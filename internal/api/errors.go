package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rewear/exchange-service/internal/domain"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error       string              `json:"error"`
	Message     string              `json:"message"`
	SwapRequest *domain.SwapRequest `json:"swap_request,omitempty"`
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotAuthorized:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState, domain.KindConflict:
		return http.StatusConflict
	case domain.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// writeServiceError renders an engine error. Internal errors are logged and their text is
// withheld from the client. swap is attached when the engine returned the request it rejected.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, swap *domain.SwapRequest) {
	kind := domain.ErrorKind(err)
	status := statusForKind(kind)

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Unhandled service error",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = "Internal server error"
	}
	writeJSON(w, status, errorResponse{Error: kind, Message: message, SwapRequest: swap})
}
