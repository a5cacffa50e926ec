package security

import (
	"crypto/subtle"
	"net"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
// The scheme is matched case-insensitively and the token is trimmed.
func ExtractBearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenMatch uses constant-time comparison to prevent timing attacks.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ClientIP returns the host part of a RemoteAddr ("ip:port" or "[ip6]:port").
// Addresses without a port are returned unchanged.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
