package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/middleware"
	"github.com/pliu/supportchat/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalidArgument:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeAlreadyExists:
		return http.StatusConflict
	case errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeUnauthenticated, errs.CodeAuthFailure:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err as {"code","message"}. Errors without a code are
// logged and hidden behind a generic internal error.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	code := errs.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, status, errs.AppError{Code: errs.CodeInternal, Message: "internal error"})
		return
	}
	writeJSON(w, status, errs.AppError{Code: code, Message: err.Error()})
}

func principal(r *http.Request) models.Principal {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p
}
