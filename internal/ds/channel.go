package ds

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dsbridge/internal/metrics"
)

// ChannelState is the connection state of the event channel.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateGivenUp      ChannelState = "given_up"
)

var channelStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateGivenUp),
}

const (
	DefaultEventPort         = 8090
	DefaultEventPath         = "/websocket"
	DefaultHeartbeatInterval = 120 * time.Second
	DefaultPongTimeout       = 5 * time.Second

	writeTimeout   = 10 * time.Second
	maxInboundSize = 1 << 20
)

// Authorizer supplies credentials for the channel handshake.
type Authorizer interface {
	EventAuth(ctx context.Context) (http.Header, url.Values, error)
}

// ChannelConfig contains connection, heartbeat and reconnect settings.
type ChannelConfig struct {
	Host      string
	Port      int
	Path      string
	TLSConfig *tls.Config
	Auth      Authorizer

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	HandshakeTimeout  time.Duration

	MinBackoff time.Duration // Minimum backoff between reconnects
	MaxBackoff time.Duration // Maximum backoff between reconnects
	Multiplier float64       // Backoff multiplier
	MaxRetries int           // Consecutive failed attempts before giving up, 0 = infinite

	// Commands counted by name in metrics, everything else counts as "other"
	KnownCommands []string
}

// DefaultChannelConfig returns sensible defaults for the event channel.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Port:              DefaultEventPort,
		Path:              DefaultEventPath,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PongTimeout:       DefaultPongTimeout,
		HandshakeTimeout:  10 * time.Second,
		MinBackoff:        1 * time.Second,
		MaxBackoff:        2 * time.Minute,
		Multiplier:        2.0,
		MaxRetries:        10,
	}
}

type pendingSend struct {
	ctx  context.Context
	data []byte
	done chan error
}

// Channel is the persistent, self-healing WebSocket to the controller.
// It exclusively owns the connection handle.
type Channel struct {
	cfg       ChannelConfig
	dialer    *websocket.Dialer
	listeners listenerRegistry

	mu        sync.Mutex
	state     ChannelState
	conn      *websocket.Conn
	pending   []*pendingSend
	closed    bool
	onConnect func()

	writeMu sync.Mutex

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewChannel creates a channel. Nothing is dialled until Run.
func NewChannel(cfg ChannelConfig) *Channel {
	defaults := DefaultChannelConfig()
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = defaults.MinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = defaults.Multiplier
	}

	c := &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  cfg.TLSConfig,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state: StateDisconnected,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	metrics.SetChannelState(string(StateDisconnected), channelStates...)
	return c
}

// AddListener registers fn under key. Delivery follows registration order.
func (c *Channel) AddListener(key string, fn Listener) {
	c.listeners.add(key, fn)
}

// RemoveListener unregisters the listener stored under key.
func (c *Channel) RemoveListener(key string) bool {
	return c.listeners.remove(key)
}

// RemoveAllListeners unregisters every listener.
func (c *Channel) RemoveAllListeners() {
	c.listeners.clear()
}

// SetOnConnect sets a callback run after every successful (re)connect.
// Notifications sent while disconnected are lost, so callers use this
// to resynchronize.
func (c *Channel) SetOnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and keeps the channel connected until ctx is cancelled or
// Close is called. It returns ErrChannelGivenUp once the retry budget is
// exhausted; no further attempts are made after that.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := c.newBackoff()
	attempt := 0

	for {
		if ctx.Err() != nil {
			c.shutdown()
			return nil
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			// Reset retry count and backoff on successful connection
			attempt = 0
			policy.Reset()
			err = c.serve(ctx, conn)
		} else {
			c.rejectPending(fmt.Errorf("connect: %w", err))
		}

		if ctx.Err() != nil {
			c.shutdown()
			return nil
		}

		c.setState(StateDisconnected)
		attempt++

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.setState(StateGivenUp)
			c.rejectPending(ErrChannelGivenUp)
			log.Error().
				Err(err).
				Int("max_retries", c.cfg.MaxRetries).
				Msg("Event channel: retry budget exhausted, giving up")
			return ErrChannelGivenUp
		}

		metrics.ChannelReconnects.Inc()
		log.Warn().
			Err(err).
			Dur("backoff", delay).
			Int("retry", attempt).
			Int("max_retries", c.cfg.MaxRetries).
			Msg("Event channel disconnected, reconnecting")

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-time.After(delay):
		case <-c.wake:
			log.Debug().Msg("Event channel: send pending, reconnecting early")
		}
	}
}

func (c *Channel) newBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.MinBackoff
	exp.MaxInterval = c.cfg.MaxBackoff
	exp.Multiplier = c.cfg.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	if c.cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries))
	}
	return exp
}

func (c *Channel) endpoint() url.URL {
	return url.URL{
		Scheme: "wss",
		Host:   net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		Path:   c.cfg.Path,
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u := c.endpoint()
	display := u.String()

	var header http.Header
	if c.cfg.Auth != nil {
		h, query, err := c.cfg.Auth.EventAuth(ctx)
		if err != nil {
			return nil, fmt.Errorf("authorize event channel: %w", err)
		}
		header = h
		if query != nil {
			u.RawQuery = query.Encode()
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", display, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", display, err)
	}

	conn.SetReadLimit(maxInboundSize)
	return conn, nil
}

// serve runs one connection until it dies.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	if err := c.write(conn, []byte(handshakeFrame)); err != nil {
		conn.Close()
		c.rejectPending(fmt.Errorf("connect: %w", err))
		return fmt.Errorf("send handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	pending := c.pending
	c.pending = nil
	c.drainWakeLocked()
	onConnect := c.onConnect
	c.mu.Unlock()
	c.setState(StateConnected)

	log.Info().Str("host", c.cfg.Host).Int("port", c.cfg.Port).Msg("Connected to controller event channel")

	c.flush(conn, pending)
	if onConnect != nil {
		onConnect()
	}

	go c.heartbeat(connCtx, conn, pong)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	err := c.readLoop(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	return err
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if messageType != websocket.TextMessage {
			log.Warn().Int("type", messageType).Int("size", len(data)).Msg("Dropping non-text frame")
			continue
		}

		for _, msg := range ParseFrame(string(data)) {
			metrics.ChannelMessages.WithLabelValues(c.messageLabel(msg.Command)).Inc()
			log.Trace().Str("command", msg.Command).Str("payload", msg.Payload).Msg("Event channel message")
			c.listeners.dispatch(msg)
		}
	}
}

// heartbeat pings every interval and force-closes the connection when no
// pong arrives within the watchdog window. Idle connections through NAT
// and similar equipment can die without a close frame.
func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn, pong <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drop a late pong from an earlier round.
		select {
		case <-pong:
		default:
		}

		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout)); err != nil {
			log.Warn().Err(err).Msg("Heartbeat ping failed, closing connection")
			conn.Close()
			return
		}

		watchdog := time.NewTimer(c.cfg.PongTimeout)
		select {
		case <-ctx.Done():
			watchdog.Stop()
			return
		case <-pong:
			watchdog.Stop()
		case <-watchdog.C:
			log.Warn().Dur("pong_timeout", c.cfg.PongTimeout).Msg("Heartbeat pong missed, forcing reconnect")
			conn.Close()
			return
		}
	}
}

// Send writes data as a text frame. Without a live connection the send is
// queued, the supervisor is woken, and the frame is written after the next
// successful connect or rejected when that connect fails. Each queued send
// is attempted at most once.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrChannelClosed
	case c.state == StateGivenUp:
		c.mu.Unlock()
		return ErrChannelGivenUp
	case c.conn != nil:
		conn := c.conn
		c.mu.Unlock()
		return c.write(conn, data)
	}

	p := &pendingSend{ctx: ctx, data: data, done: make(chan error, 1)}
	c.pending = append(c.pending, p)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.mu.Unlock()

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) flush(conn *websocket.Conn, pending []*pendingSend) {
	for _, p := range pending {
		if err := p.ctx.Err(); err != nil {
			p.done <- err
			continue
		}
		p.done <- c.write(conn, p.data)
	}
}

func (c *Channel) rejectPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.drainWakeLocked()
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- err
	}
}

// drainWakeLocked discards a wake-up whose sends were already taken, so the
// next reconnect still waits out its backoff. Callers hold c.mu.
func (c *Channel) drainWakeLocked() {
	select {
	case <-c.wake:
	default:
	}
}

func (c *Channel) messageLabel(command string) string {
	for _, known := range c.cfg.KnownCommands {
		if command == known {
			return command
		}
	}
	return "other"
}

func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()

	if prev != state {
		metrics.SetChannelState(string(state), channelStates...)
		log.Debug().Str("from", string(prev)).Str("to", string(state)).Msg("Event channel state changed")
	}
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.setState(StateDisconnected)
	c.rejectPending(ErrChannelClosed)
}

// Close removes all listeners, stops Run and closes the live connection.
// Requests already in flight elsewhere are not affected.
func (c *Channel) Close() error {
	c.listeners.clear()
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.rejectPending(ErrChannelClosed)

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}
