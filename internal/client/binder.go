// Package client binds an authenticated session to a single gateway socket
// and mirrors the online set the gateway broadcasts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/presencegw/presencegw/internal/config"
)

// presenceEvent is the event name carrying the online set.
const presenceEvent = "getOnlineUsers"

// ErrNoIdentity is returned by Bind when the identity is empty.
var ErrNoIdentity = errors.New("client: identity is required")

// State is the local view of who is online.
type State struct {
	Online    []string
	Version   uint64
	Connected bool
}

// Contains reports whether identity is in the online set.
func (s State) Contains(identity string) bool {
	for _, id := range s.Online {
		if id == identity {
			return true
		}
	}
	return false
}

// Options configures a Binder.
type Options struct {
	URL              string // ws:// or wss:// socket URL, http(s) is converted
	IdentityKey      string // query key carrying the identity, default "userId"
	Origin           string // sent as the Origin header when set
	DialTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxMessageSize   int64

	// OnChange is called from the binder's goroutine after every state
	// change. It must not block.
	OnChange func(State)
}

// OptionsFromConfig builds binder options from the client and gateway
// config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:              strings.TrimRight(cfg.Client.BackendURL, "/") + cfg.Gateway.Path,
		IdentityKey:      cfg.Gateway.IdentityKey,
		Origin:           cfg.Client.Origin,
		DialTimeout:      cfg.Client.DialTimeout,
		ReconnectInitial: cfg.Client.ReconnectInitial,
		ReconnectMax:     cfg.Client.ReconnectMax,
		MaxMessageSize:   cfg.Gateway.MaxMessageSize,
	}
}

// session is one Bind..Logout span. It may dial many times.
type session struct {
	identity string
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *session) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *session) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Binder keeps at most one gateway connection per bound identity.
type Binder struct {
	opts Options

	mu    sync.Mutex
	sess  *session
	state State

	updates chan State
	dials   atomic.Int64
}

// NewBinder creates an unbound binder.
func NewBinder(opts Options) *Binder {
	if opts.IdentityKey == "" {
		opts.IdentityKey = "userId"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	opts.URL = httpToWS(opts.URL)
	return &Binder{opts: opts, updates: make(chan State, 1)}
}

// Bind starts a background connection for identity. It is a no-op while a
// session is already open or connecting. The session ends on Logout or
// when ctx is cancelled.
func (b *Binder) Bind(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrNoIdentity
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess != nil {
		return nil
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{identity: identity, cancel: cancel, done: make(chan struct{})}
	b.sess = s
	go b.run(sessCtx, s)
	return nil
}

// Logout closes the socket with a normal closure, stops reconnecting and
// clears the local state. The binder can be bound again afterwards.
func (b *Binder) Logout() {
	b.mu.Lock()
	s := b.sess
	b.sess = nil
	b.mu.Unlock()

	if s != nil {
		s.stopping.Store(true)
		if c := s.currentConn(); c != nil {
			c.Close(websocket.StatusNormalClosure, "logout")
		}
		s.cancel()
		<-s.done
	}
	b.setState(State{})
}

// Bound returns the identity of the active session, if any.
func (b *Binder) Bound() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return "", false
	}
	return b.sess.identity, true
}

// State returns the current local presence state.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Updates delivers state changes. Only the newest unread state is kept.
func (b *Binder) Updates() <-chan State {
	return b.updates
}

// Dials returns how many handshakes the binder has attempted.
func (b *Binder) Dials() int64 {
	return b.dials.Load()
}

func (b *Binder) setState(st State) {
	b.mu.Lock()
	b.state = st
	// Latest wins: drop an unread state before queueing this one.
	select {
	case <-b.updates:
	default:
	}
	b.updates <- st
	b.mu.Unlock()

	if b.opts.OnChange != nil {
		b.opts.OnChange(st)
	}
}

func (b *Binder) setConnected(connected bool) {
	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	st.Connected = connected
	b.setState(st)
}

func (b *Binder) run(ctx context.Context, s *session) {
	defer close(s.done)
	defer func() {
		// A cancelled parent context ends the session without Logout.
		b.mu.Lock()
		ended := b.sess == s
		if ended {
			b.sess = nil
		}
		b.mu.Unlock()
		if ended {
			b.setState(State{})
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.ReconnectInitial
	bo.MaxInterval = b.opts.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := b.connectOnce(ctx, s, bo)
		if ctx.Err() != nil || s.stopping.Load() {
			return
		}

		wait := bo.NextBackOff()
		slog.Warn("presence socket lost, reconnecting",
			"identity", s.identity,
			"error", err,
			"retry_in", wait.Round(time.Millisecond),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connectOnce dials, reads presence events until the socket fails, and
// returns the error that ended it.
func (b *Binder) connectOnce(ctx context.Context, s *session, bo backoff.BackOff) error {
	u, err := b.socketURL(s.identity)
	if err != nil {
		return err
	}

	b.dials.Add(1)
	dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	opts := &websocket.DialOptions{}
	if b.opts.Origin != "" {
		opts.HTTPHeader = http.Header{"Origin": {b.opts.Origin}}
	}
	conn, _, err := websocket.Dial(dialCtx, u, opts)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", b.opts.URL, err)
	}
	conn.SetReadLimit(b.opts.MaxMessageSize)

	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.CloseNow()
	}()

	// Logout may have raced the dial.
	if s.stopping.Load() {
		conn.Close(websocket.StatusNormalClosure, "logout")
		return nil
	}

	bo.Reset()
	slog.Info("presence socket connected", "identity", s.identity, "url", b.opts.URL)
	b.setConnected(true)
	defer b.setConnected(false)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg struct {
			Event   string   `json:"event"`
			Data    []string `json:"data"`
			Version uint64   `json:"version"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("ignoring malformed gateway message", "error", err)
			continue
		}
		if msg.Event != presenceEvent {
			continue
		}
		if msg.Data == nil {
			msg.Data = []string{}
		}
		b.setState(State{Online: msg.Data, Version: msg.Version, Connected: true})
	}
}

func (b *Binder) socketURL(identity string) (string, error) {
	u, err := url.Parse(b.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parsing socket URL: %w", err)
	}
	q := u.Query()
	q.Set(b.opts.IdentityKey, identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// httpToWS converts http:// to ws:// and https:// to wss://.
func httpToWS(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
