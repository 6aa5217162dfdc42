package errors

import (
	"net/http"

	"github.com/rs/zerolog/hlog"
)

// InternalError logs err against the request and answers with a generic 500.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	hlog.FromRequest(r).Error().Err(err).Msg(message)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// BadRequestError logs err at warn level and returns clientMessage to the caller.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	hlog.FromRequest(r).Warn().Err(err).Msg("bad request")
	http.Error(w, clientMessage, http.StatusBadRequest)
}
