package api

import (
	"crypto/subtle"
	"net/http"

	"frpc-authproxy/pkg/model"
)

// Realm is announced in the Basic auth challenge.
const Realm = "frpc"

// authenticate checks the request's Basic credentials against the current
// external pair and returns the caller's username on success. A missing
// header, another scheme, bad base64 and a missing colon all fail the same
// way as a wrong password.
func (h *Handler) authenticate(r *http.Request) (string, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		h.logger.Debug("auth rejected", "reason", "missing or malformed authorization header", "remote", r.RemoteAddr)
		return "", false
	}
	if !matches(h.store.External(), user, pass) {
		h.logger.Debug("auth rejected", "reason", "credential mismatch", "remote", r.RemoteAddr)
		return "", false
	}
	return user, true
}

// matches compares both fields in constant time. Both comparisons always run.
func matches(want model.Credentials, user, pass string) bool {
	u := subtle.ConstantTimeCompare([]byte(want.Username), []byte(user))
	p := subtle.ConstantTimeCompare([]byte(want.Password), []byte(pass))
	return u&p == 1
}

func (h *Handler) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`"`)
	h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
}
