// Package realtime subscribes to the scorer's push feed over one shared
// websocket connection and fans score updates out to local callbacks.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/telemetry"
)

const (
	// MaxReconnectAttempts bounds retries after an unexpected closure.
	MaxReconnectAttempts = 5

	// BaseReconnectDelay doubles on each attempt: 1s, 2s, 4s, 8s, 16s.
	BaseReconnectDelay = time.Second
)

var framePattern = regexp.MustCompile(`^Transaction (\S+): Risk Score = ([-+]?[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)$`)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Handler receives parsed score updates on the connection's reader goroutine.
type Handler func(update domain.ScoreUpdate)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the default websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithWait replaces the backoff sleep.
func WithWait(w WaitFunc) Option {
	return func(c *Client) { c.wait = w }
}

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// Client holds the shared push connection.
type Client struct {
	url    string
	dialer Dialer
	wait   WaitFunc
	header http.Header

	mu      sync.Mutex
	subs    []*subscription
	nextID  int
	session *session
}

type subscription struct {
	id      int
	handler Handler
	active  atomic.Bool
}

// session is one connect/reconnect cycle. It ends on Disconnect or when
// reconnect attempts are exhausted.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for the push endpoint at url.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		wait:   sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the push endpoint and starts reading. It is a no-op while
// a session is active. A failed initial dial is returned, not retried.
func (c *Client) Connect(ctx context.Context) error {
	if c.active() {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		// A subscriber started a session while we were dialing.
		conn.Close()
		return nil
	}
	c.startLocked(conn)
	return nil
}

// OnUpdate registers h and returns its unsubscribe func. The first
// subscriber opens the connection; the last unsubscribe closes it.
func (c *Client) OnUpdate(h Handler) func() {
	c.mu.Lock()
	c.nextID++
	sub := &subscription{id: c.nextID, handler: h}
	sub.active.Store(true)
	c.subs = append(c.subs, sub)
	lazy := c.session == nil
	if lazy {
		c.startLocked(nil)
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(sub) })
	}
}

// Disconnect closes the connection and stops reconnecting. Subscriptions
// are kept; a later Connect resumes delivery to them.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s != nil {
		s.close()
	}
}

// Subscribers returns the number of active subscriptions.
func (c *Client) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Client) unsubscribe(sub *subscription) {
	sub.active.Store(false)

	c.mu.Lock()
	for i, s := range c.subs {
		if s.id == sub.id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			break
		}
	}
	var s *session
	if len(c.subs) == 0 {
		s = c.session
		c.session = nil
	}
	c.mu.Unlock()

	if s != nil {
		s.close()
	}
}

func (c *Client) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// startLocked begins a session. With a nil conn the session dials first
// and falls back to the reconnect schedule on failure.
func (c *Client) startLocked(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
	}
	c.session = s
	go c.run(s)
}

func (c *Client) run(s *session) {
	defer close(s.done)
	defer c.endSession(s)

	conn := s.current()
	if conn == nil {
		var err error
		conn, err = c.dial(s.ctx)
		if err != nil {
			conn = c.reconnect(s)
		}
	}

	for conn != nil {
		if !s.attach(conn) {
			conn.Close()
			return
		}
		c.read(s, conn)
		if s.ctx.Err() != nil {
			return
		}
		slog.Warn("realtime connection lost", "url", c.url)
		conn = c.reconnect(s)
	}
}

// reconnect walks the backoff schedule and returns nil once it is
// exhausted or the session ends.
func (c *Client) reconnect(s *session) *websocket.Conn {
	for attempt := 0; attempt < MaxReconnectAttempts; attempt++ {
		delay := BaseReconnectDelay << attempt
		if err := c.wait(s.ctx, delay); err != nil {
			return nil
		}

		conn, err := c.dial(s.ctx)
		if err == nil {
			slog.Info("realtime reconnected", "url", c.url, "attempt", attempt+1)
			return conn
		}
		slog.Debug("realtime reconnect failed", "attempt", attempt+1, "delay", delay, "error", err)
	}

	slog.Debug("realtime reconnect attempts exhausted", "url", c.url, "attempts", MaxReconnectAttempts)
	return nil
}

func (c *Client) read(s *session, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		update, err := ParseFrame(string(data))
		if err != nil {
			telemetry.RealtimeFrames.WithLabelValues("dropped").Inc()
			slog.Warn("dropping malformed realtime frame", "frame", string(data), "error", err)
			continue
		}

		telemetry.RealtimeFrames.WithLabelValues("dispatched").Inc()
		c.dispatch(update)
	}
}

func (c *Client) dispatch(update domain.ScoreUpdate) {
	c.mu.Lock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.handler(update)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrRealtimeDeliveryFailed, c.url, err)
	}
	return conn, nil
}

func (c *Client) endSession(s *session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
	s.cancel()
}

func (s *session) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// attach records conn as the live connection unless the session was closed.
func (s *session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

func (s *session) close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// ParseFrame parses "Transaction <id>: Risk Score = <float>". Scores
// outside [0,1] are rejected.
func ParseFrame(frame string) (domain.ScoreUpdate, error) {
	m := framePattern.FindStringSubmatch(frame)
	if m == nil {
		return domain.ScoreUpdate{}, fmt.Errorf("%w: unrecognised frame", domain.ErrInvalidInput)
	}

	score, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return domain.ScoreUpdate{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if score < 0 || score > 1 {
		return domain.ScoreUpdate{}, fmt.Errorf("%w: risk score %v outside [0,1]", domain.ErrInvalidInput, score)
	}

	return domain.ScoreUpdate{TransactionID: m[1], RiskScore: score}, nil
}

// FormatFrame renders an update in the push wire format.
func FormatFrame(u domain.ScoreUpdate) string {
	return fmt.Sprintf("Transaction %s: Risk Score = %s", u.TransactionID, strconv.FormatFloat(u.RiskScore, 'f', -1, 64))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
