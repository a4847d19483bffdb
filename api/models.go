package api

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// SuccessResponse acknowledges a state-changing call.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// SiteRequest carries relying-party presentation metadata captured at
// staging time and echoed during redemption.
type SiteRequest struct {
	Origin   string `json:"origin"`
	Branding string `json:"branding,omitempty"`
}

// StageUserRequest stages creation of a new account.
type StageUserRequest struct {
	Email    string      `json:"email"`
	Password string      `json:"pass"`
	Site     SiteRequest `json:"site"`
}

// StageEmailRequest stages adding an address to the signed-in account.
type StageEmailRequest struct {
	Email string      `json:"email"`
	Site  SiteRequest `json:"site"`
}

// StageExistingRequest stages re-proof of a known address. Password is
// optional; when present it becomes the account password on
// redemption.
type StageExistingRequest struct {
	Email    string      `json:"email"`
	Password string      `json:"pass,omitempty"`
	Site     SiteRequest `json:"site"`
}

// CompleteRequest redeems a verification token. Password is required
// when redeeming from a browsing context other than the staging one,
// or when the staged flow needs a password set.
type CompleteRequest struct {
	Token    string `json:"token"`
	Password string `json:"pass,omitempty"`
}

// CompleteResponse reports a successful redemption.
type CompleteResponse struct {
	Success   bool   `json:"success"`
	AccountID int64  `json:"account_id"`
	Email     string `json:"email"`
}

// AuthenticateRequest is a password sign-in.
type AuthenticateRequest struct {
	Email           string `json:"email"`
	Password        string `json:"pass"`
	Ephemeral       bool   `json:"ephemeral"`
	AllowUnverified bool   `json:"allowUnverified,omitempty"`
}

// AuthWithAssertionRequest is an assertion sign-in.
type AuthWithAssertionRequest struct {
	Assertion string `json:"assertion"`
	Ephemeral bool   `json:"ephemeral"`
}

// AuthenticateResponse reports a successful sign-in.
type AuthenticateResponse struct {
	Success    bool   `json:"success"`
	AccountID  int64  `json:"account_id"`
	AuthLevel  string `json:"auth_level"`
	DurationMS int64  `json:"duration_ms"`
	CSRFToken  string `json:"csrf_token"`
}

// UpdatePasswordRequest changes the account password.
type UpdatePasswordRequest struct {
	OldPassword string `json:"oldpass"`
	NewPassword string `json:"newpass"`
}

// CertKeyRequest asks the service to certify a browser-held public key
// for one of the session's addresses.
type CertKeyRequest struct {
	Email           string `json:"email"`
	PublicKey       string `json:"pubkey"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	ForceIssuer     string `json:"forceIssuer,omitempty"`
	AllowUnverified bool   `json:"allowUnverified,omitempty"`
}

// CertKeyResponse carries the minted certificate.
type CertKeyResponse struct {
	Success     bool   `json:"success"`
	Certificate string `json:"cert"`
}

// EmailForTokenResponse describes an unredeemed verification token.
type EmailForTokenResponse struct {
	Success       bool   `json:"success"`
	Email         string `json:"email"`
	NeedsPassword bool   `json:"needs_password"`
	Known         bool   `json:"known"`
	Origin        string `json:"origin,omitempty"`
}

// RemoveEmailRequest unbinds an address from the session's account.
type RemoveEmailRequest struct {
	Email string `json:"email"`
}

// SessionContextResponse describes the current session for the
// browser-side code.
type SessionContextResponse struct {
	Authenticated bool   `json:"authenticated"`
	AccountID     int64  `json:"account_id,omitempty"`
	AuthLevel     string `json:"auth_level,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
	CSRFToken     string `json:"csrf_token,omitempty"`
	ServerTime    int64  `json:"server_time"`
}

// VerifyRequest is the relying-party verification call.
type VerifyRequest struct {
	Assertion       string `json:"assertion"`
	Audience        string `json:"audience"`
	AllowUnverified bool   `json:"allowUnverified,omitempty"`
}

// VerifyResponse is the verification outcome. Status is "okay" or
// "failure"; on failure only Reason is set.
type VerifyResponse struct {
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	Email           string `json:"email,omitempty"`
	UnverifiedEmail string `json:"unverified-email,omitempty"`
	Issuer          string `json:"issuer,omitempty"`
	Audience        string `json:"audience,omitempty"`
	Expires         int64  `json:"expires,omitempty"`
}

// WellKnownResponse is this host's own support document.
type WellKnownResponse struct {
	PublicKey      any    `json:"public-key"`
	Authentication string `json:"authentication"`
	Provisioning   string `json:"provisioning"`
}
