package api

import (
	"encoding/json"
	"net/http"
)

// WellKnown handles GET /.well-known/browserid: this host's own
// support document, advertising the CA public key and the fallback
// sign-in pages.
func (a *API) WellKnown(w http.ResponseWriter, r *http.Request) {
	raw, err := json.Marshal(a.authority.PublicKey())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot serialize public key")
		return
	}
	writeJSON(w, http.StatusOK, WellKnownResponse{
		PublicKey:      json.RawMessage(raw),
		Authentication: "/sign_in.html",
		Provisioning:   "/provision.html",
	})
}
