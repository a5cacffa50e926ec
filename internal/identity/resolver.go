// Package identity extracts the user identity a client carries in its
// connection handshake.
package identity

import (
	"net/url"
	"strings"
)

// DefaultKey is the handshake field that carries the user identifier.
const DefaultKey = "userId"

// DefaultMaxLength caps the accepted identity length in bytes.
const DefaultMaxLength = 256

// Metadata is the key-value bag a client supplies when opening a connection.
type Metadata = url.Values

// Resolver pulls a user identity out of handshake metadata. It never
// validates the identity against an auth system; it only trusts it.
type Resolver struct {
	Key       string
	MaxLength int
}

// NewResolver creates a resolver reading the given key. An empty key uses
// DefaultKey and a non-positive maxLen uses DefaultMaxLength.
func NewResolver(key string, maxLen int) *Resolver {
	if key == "" {
		key = DefaultKey
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	return &Resolver{Key: key, MaxLength: maxLen}
}

// Resolve returns the identity and true, or "" and false when the metadata
// carries no usable identity. A missing identity is not an error: the
// connection is treated as anonymous.
func (r *Resolver) Resolve(meta Metadata) (string, bool) {
	if meta == nil {
		return "", false
	}
	v := strings.TrimSpace(meta.Get(r.Key))
	switch v {
	case "", "undefined", "null":
		// Browser clients stringify absent values.
		return "", false
	}
	if len(v) > r.MaxLength {
		return "", false
	}
	return v, true
}
