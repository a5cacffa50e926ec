package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Auth modes accepted by Login.
const (
	ModeLogin  = "login"
	ModeSignup = "signup"
)

// ErrRejected is wrapped by errors for requests the auth API answered with
// success=false.
var ErrRejected = errors.New("auth rejected")

// User is the subset of the auth API's user record the binder needs.
type User struct {
	ID       string `json:"_id"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Session is the result of a successful login or signup.
type Session struct {
	User  User
	Token string
}

// AuthClient talks to the external auth API. The gateway itself never
// validates tokens; this is how a client learns its identity.
type AuthClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewAuthClient creates a client for the auth API at baseURL.
func NewAuthClient(baseURL string) *AuthClient {
	return &AuthClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type authResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Token    string `json:"token"`
	User     *User  `json:"user"`
	UserData *User  `json:"userData"`
}

// Check resolves token to the user it belongs to.
func (a *AuthClient) Check(ctx context.Context, token string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/api/auth/check", nil)
	if err != nil {
		return User{}, fmt.Errorf("building auth check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.do(req)
	if err != nil {
		return User{}, fmt.Errorf("auth check: %w", err)
	}
	if resp.User == nil || resp.User.ID == "" {
		return User{}, fmt.Errorf("auth check: response has no user id")
	}
	return *resp.User, nil
}

// Login posts credentials to /api/auth/{mode}. mode is ModeLogin or
// ModeSignup.
func (a *AuthClient) Login(ctx context.Context, mode string, creds map[string]string) (Session, error) {
	if mode != ModeLogin && mode != ModeSignup {
		return Session{}, fmt.Errorf("unknown auth mode %q", mode)
	}
	body, err := json.Marshal(creds)
	if err != nil {
		return Session{}, fmt.Errorf("encoding credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/api/auth/"+mode, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("building %s request: %w", mode, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.do(req)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", mode, err)
	}
	if resp.UserData == nil || resp.UserData.ID == "" || resp.Token == "" {
		return Session{}, fmt.Errorf("%s: response has no user id or token", mode)
	}
	return Session{User: *resp.UserData, Token: resp.Token}, nil
}

func (a *AuthClient) do(req *http.Request) (*authResponse, error) {
	httpResp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp authResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", httpResp.StatusCode, err)
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return &resp, nil
}
