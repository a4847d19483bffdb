package util

import (
	"fmt"
	"strings"

	"golang.org/x/text/secure/precis"
)

// NormalizeEmail canonicalizes an email address: the local part is
// case-folded and Unicode-normalized via the PRECIS UsernameCaseMapped
// profile and the domain is lowercased. Addresses compare equal after
// normalization iff they refer to the same mailbox under our rules.
func NormalizeEmail(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("malformed email address: %q", email)
	}
	local, err := precis.UsernameCaseMapped.String(email[:at])
	if err != nil {
		return "", fmt.Errorf("normalizing email local part: %w", err)
	}
	domain := strings.ToLower(email[at+1:])
	return local + "@" + domain, nil
}

// EmailDomain returns the domain portion of an email address, lowercased.
// It returns an empty string when the address has no domain.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
