package security

import "testing"

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer my-secret-token", "my-secret-token"},
		{"Bearer abc123", "abc123"},
		{"Bearer ", ""},
		{"bearer abc", "abc"},
		{"Basic abc123", ""},
		{"", ""},
		{"BearerNoSpace", ""},
		{"Bearer token  ", "token"},
		{"Bearer  token ", "token"},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got := ExtractBearerToken(tt.header)
			if got != tt.want {
				t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestTokenMatch(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		expected string
		want     bool
	}{
		{"matching tokens", "my-token", "my-token", true},
		{"different tokens", "wrong", "right", false},
		{"empty provided", "", "token", false},
		{"empty expected", "token", "", false},
		{"both empty", "", "", false},
		{"different lengths", "short", "much-longer-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TokenMatch(tt.provided, tt.expected)
			if got != tt.want {
				t.Errorf("TokenMatch(%q, %q) = %v, want %v", tt.provided, tt.expected, got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:5000", "127.0.0.1"},
		{"[::1]:5000", "::1"},
		{"[fe80::1%eth0]:443", "fe80::1%eth0"},
		{"10.0.0.7", "10.0.0.7"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := ClientIP(tt.addr); got != tt.want {
				t.Errorf("ClientIP(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}
