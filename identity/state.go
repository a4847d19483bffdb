package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/browserid/personad/discovery"
	"github.com/browserid/personad/internal/util"
	"github.com/browserid/personad/store"
)

// State is the externally visible authentication state of an address.
type State string

const (
	// StateKnown: the address is bound to an account and usable as-is.
	StateKnown State = "known"
	// StateUnknown: the address is not known to any account.
	StateUnknown State = "unknown"
	// StateTransitionToPrimary: a secondary address whose domain now
	// runs a primary; the user authenticates via the IdP for the first
	// time.
	StateTransitionToPrimary State = "transition_to_primary"
	// StateTransitionToSecondary: a primary address whose domain has
	// dropped primary support; the account has a password, so the user
	// re-proves ownership once and then behaves as a secondary.
	StateTransitionToSecondary State = "transition_to_secondary"
	// StateTransitionNoPassword: same, but the account has no password;
	// one must be set via the reset flow before any login is possible.
	StateTransitionNoPassword State = "transition_no_password"
	// StateUnverified: a secondary address that requires re-verification
	// before use.
	StateUnverified State = "unverified"
	// StateOffline: the address's primary authority worked recently but
	// is unreachable right now, so the user cannot authenticate with it.
	StateOffline State = "offline"
)

// DefaultIssuer asks AddressInfo to discover the issuer itself.
const DefaultIssuer = "default"

// AddressInfo describes what a client should do with an address.
type AddressInfo struct {
	Email    string          `json:"normalizedEmail"`
	Type     store.EmailType `json:"type"`
	State    State           `json:"state"`
	Issuer   string          `json:"issuer"`
	Disabled bool            `json:"disabled,omitempty"`
	AuthURL  string          `json:"auth,omitempty"`
	ProvURL  string          `json:"prov,omitempty"`
}

// AddressInfo derives the current state of an email address from its
// stored type, how it was last used, password presence, and the
// domain's live primary support. State names are always computed here,
// never stored, so the two source-of-truth fields cannot drift from
// the reported state.
func (m *Manager) AddressInfo(ctx context.Context, email, issuer string) (*AddressInfo, error) {
	norm, err := util.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	domain := util.EmailDomain(norm)
	forced := issuer != "" && issuer != DefaultIssuer

	var (
		support  *discovery.Info
		disabled bool
		offline  bool
	)
	if !forced {
		support, err = m.discovery.Resolve(ctx, domain)
		switch {
		case err == nil:
		case errors.Is(err, discovery.ErrPrimaryDisabled):
			disabled = true
		case errors.Is(err, discovery.ErrNotPrimary):
			if seen, ok := m.discovery.LastSeen(domain); ok && m.now().Sub(seen) < m.seenWindow {
				offline = true
			}
		default:
			return nil, fmt.Errorf("resolving primary for %s: %w", domain, err)
		}
	}

	info, err := m.store.EmailInfo(ctx, norm)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	currentType := store.TypeSecondary
	ai := &AddressInfo{Email: norm, Issuer: m.hostname, Disabled: disabled}
	if support != nil {
		currentType = store.TypePrimary
		ai.Issuer = domain
		ai.AuthURL = support.AuthenticationURL
		ai.ProvURL = support.ProvisioningURL
	}
	if forced {
		ai.Issuer = issuer
	}
	ai.Type = currentType

	switch {
	case info == nil:
		ai.State = StateUnknown
	case forced && info.HasPassword:
		ai.State = StateKnown
	case forced:
		ai.State = StateTransitionNoPassword
	case offline:
		ai.State = StateOffline
	case currentType == store.TypeSecondary && !info.Verified:
		ai.State = StateUnverified
	default:
		ai.State = deriveState(info.HasPassword, info.LastUsedAs, currentType)
	}
	return ai, nil
}

// deriveState is the core state table: password presence crossed with
// how the address was last used and what the domain is right now. Only
// meaningful for a known address whose primary (if any) is reachable.
func deriveState(hasPassword bool, lastUsedAs, rightNow store.EmailType) State {
	if hasPassword {
		if lastUsedAs == store.TypePrimary {
			if rightNow == store.TypePrimary {
				return StateKnown
			}
			return StateTransitionToSecondary
		}
		if rightNow == store.TypePrimary {
			return StateTransitionToPrimary
		}
		return StateKnown
	}
	if lastUsedAs == store.TypePrimary {
		if rightNow == store.TypePrimary {
			return StateKnown
		}
		return StateTransitionNoPassword
	}
	if rightNow == store.TypePrimary {
		return StateTransitionToPrimary
	}
	return StateTransitionNoPassword
}
