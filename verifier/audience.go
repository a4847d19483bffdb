package verifier

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

var originRe = regexp.MustCompile(`^https?://`)

// compareAudiences checks the RP-supplied audience (got) against the
// audience baked into the assertion (want). want is trusted — we
// produced it — while got may arrive in any of three forms: a full
// origin, host:port, or a bare host. Only the parts the RP actually
// provided are compared; a missing port means the default port for the
// scheme. Returns an empty string on match, otherwise the mismatch
// reason.
func compareAudiences(want, got string) string {
	var gotScheme, gotDomain, gotPort string

	switch {
	case originRe.MatchString(got):
		u, err := url.Parse(got)
		if err != nil {
			return "malformed audience"
		}
		gotScheme = u.Scheme
		gotDomain = u.Hostname()
		gotPort = portOrDefault(u.Port(), u.Scheme)
	case strings.Contains(got, ":"):
		host, port, err := net.SplitHostPort(got)
		if err != nil {
			return "malformed domain"
		}
		gotDomain = host
		gotPort = port
	default:
		gotDomain = got
	}

	wu, err := url.Parse(want)
	if err != nil || !originRe.MatchString(want) {
		return "malformed audience"
	}
	wantScheme := wu.Scheme
	wantDomain := wu.Hostname()
	wantPort := portOrDefault(wu.Port(), wu.Scheme)

	if gotScheme != "" && gotScheme != wantScheme {
		return "scheme mismatch"
	}
	if gotPort != "" && gotPort != wantPort {
		return "port mismatch"
	}
	if gotDomain != "" && gotDomain != wantDomain {
		return "domain mismatch"
	}
	return ""
}

func portOrDefault(port, scheme string) string {
	if port != "" {
		return port
	}
	if scheme == "https" {
		return "443"
	}
	return "80"
}
