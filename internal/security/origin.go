package security

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
)

var (
	ErrOriginMissing    = errors.New("origin header missing")
	ErrOriginMalformed  = errors.New("origin header malformed")
	ErrOriginNotAllowed = errors.New("origin not allowed")
)

// OriginPolicy is an immutable allow-list of browser origins.
type OriginPolicy struct {
	allowAny     bool
	allowMissing bool
	allowed      map[string]struct{}
}

// NewOriginPolicy builds a policy from configured origins. "*" allows every
// origin. Entries that do not parse as scheme://host are skipped with a warning.
func NewOriginPolicy(origins []string, allowMissing bool) *OriginPolicy {
	p := &OriginPolicy{
		allowMissing: allowMissing,
		allowed:      make(map[string]struct{}, len(origins)),
	}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			p.allowAny = true
			continue
		}
		n, ok := NormalizeOrigin(o)
		if !ok {
			slog.Warn("ignoring invalid allowed origin", "origin", o)
			continue
		}
		p.allowed[n] = struct{}{}
	}
	return p
}

// NormalizeOrigin lower-cases scheme and host and drops any path, giving the
// form browsers send in the Origin header.
func NormalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// Check returns nil when origin may open a socket.
func (p *OriginPolicy) Check(origin string) error {
	if origin == "" {
		if p.allowMissing {
			return nil
		}
		return ErrOriginMissing
	}
	if p.allowAny {
		return nil
	}
	n, ok := NormalizeOrigin(origin)
	if !ok {
		return ErrOriginMalformed
	}
	if _, ok := p.allowed[n]; !ok {
		return ErrOriginNotAllowed
	}
	return nil
}

// AllowAny reports whether the policy contains the "*" wildcard.
func (p *OriginPolicy) AllowAny() bool { return p.allowAny }

// Len returns the number of explicit origins in the policy.
func (p *OriginPolicy) Len() int { return len(p.allowed) }
