package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/browserid/personad/verifier"
)

// VerifyAssertion handles POST /verify for relying parties. The
// response is always 200 with a status field; failure reasons are
// stable machine-checkable strings.
func (a *API) VerifyAssertion(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[VerifyRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Assertion == "" || req.Audience == "" {
		writeError(w, http.StatusBadRequest, "assertion and audience are required")
		return
	}

	res, err := a.verifier.Verify(r.Context(), req.Assertion, req.Audience, time.Now(), req.AllowUnverified)
	if err != nil {
		reason := "verification failure"
		var verr *verifier.Error
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		a.audit.logFailure(AuditVerifyFailure, r, reason, slog.String("audience", req.Audience))
		writeJSON(w, http.StatusOK, VerifyResponse{Status: "failure", Reason: reason})
		return
	}

	a.audit.logEvent(AuditVerifySuccess, r, res.Address(), slog.String("issuer", res.Issuer))
	writeJSON(w, http.StatusOK, VerifyResponse{
		Status:          "okay",
		Email:           res.Email,
		UnverifiedEmail: res.UnverifiedEmail,
		Issuer:          res.Issuer,
		Audience:        res.Audience,
		Expires:         res.Expires.UnixMilli(),
	})
}
