package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/browserid/personad/identity"
	"github.com/browserid/personad/session"
	"github.com/browserid/personad/store"
)

const maxBodySize = 64 * 1024

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: msg})
}

// mapError translates domain errors into the status classes clients
// branch on: 400 bad input, 401 needs-reauth, 429 throttled, 503
// backend unavailable.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, identity.ErrPasswordRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrAccountLocked):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrPasswordMismatch):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrNoSuchUser):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrNoPassword):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrTokenExpired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, store.ErrTokenNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON reads and decodes a bounded JSON request body. On failure
// it writes a 400 and returns ok=false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "empty request body")
		} else {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return req, false
	}
	return req, true
}
