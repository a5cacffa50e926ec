package security

import (
	"errors"
	"testing"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"http://localhost:5173", "http://localhost:5173", true},
		{"HTTPS://App.Example.COM", "https://app.example.com", true},
		{"https://app.example.com/some/path", "https://app.example.com", true},
		{"  http://localhost:3000  ", "http://localhost:3000", true},
		{"localhost:5173", "", false},
		{"app.example.com", "", false},
		{"", "", false},
		{"://nohost", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeOrigin(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("NormalizeOrigin(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestOriginPolicyCheck(t *testing.T) {
	policy := NewOriginPolicy([]string{"http://localhost:5173", "HTTPS://Chat.Example.com", "not an origin", ""}, false)

	if policy.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", policy.Len())
	}

	tests := []struct {
		origin string
		want   error
	}{
		{"http://localhost:5173", nil},
		{"https://chat.example.com", nil},
		{"https://CHAT.example.com", nil},
		{"http://localhost:3000", ErrOriginNotAllowed},
		{"http://evil.example", ErrOriginNotAllowed},
		{"", ErrOriginMissing},
		{"null", ErrOriginMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if err := policy.Check(tt.origin); !errors.Is(err, tt.want) {
				t.Errorf("Check(%q) = %v, want %v", tt.origin, err, tt.want)
			}
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := NewOriginPolicy([]string{"*"}, false)
	if !policy.AllowAny() {
		t.Fatal("AllowAny() = false, want true")
	}
	if err := policy.Check("https://anything.example"); err != nil {
		t.Errorf("wildcard rejected origin: %v", err)
	}
	if err := policy.Check(""); !errors.Is(err, ErrOriginMissing) {
		t.Errorf("wildcard with missing origin = %v, want ErrOriginMissing", err)
	}
}

func TestOriginPolicyAllowMissing(t *testing.T) {
	policy := NewOriginPolicy([]string{"http://localhost:5173"}, true)
	if err := policy.Check(""); err != nil {
		t.Errorf("Check(\"\") with allowMissing = %v, want nil", err)
	}
	if err := policy.Check("http://other.example"); !errors.Is(err, ErrOriginNotAllowed) {
		t.Errorf("Check(other) = %v, want ErrOriginNotAllowed", err)
	}
}

func TestOriginPolicyEmptyRejectsAll(t *testing.T) {
	policy := NewOriginPolicy(nil, false)
	if err := policy.Check("http://localhost:5173"); !errors.Is(err, ErrOriginNotAllowed) {
		t.Errorf("empty policy Check = %v, want ErrOriginNotAllowed", err)
	}
}
