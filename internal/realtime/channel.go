// Package realtime keeps the STOMP-over-WebSocket push link to the DriveLine
// backend open and feeds every pushed notification into a Sink.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/metrics"
	"github.com/lalithlochan/driveline/internal/notification"
	"github.com/lalithlochan/driveline/internal/session"
)

// State of the push link.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateNotLoggedIn  State = "not-logged-in"
)

const (
	DefaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	maxMessageSize          = 1 << 20
)

var (
	// ErrStompError is returned when the broker answers with an ERROR frame.
	ErrStompError = errors.New("stomp: broker error")

	// ErrUnexpectedFrame is returned when the broker does not answer CONNECT
	// with CONNECTED.
	ErrUnexpectedFrame = errors.New("stomp: unexpected frame")
)

// Sink receives pushed notifications.
type Sink interface {
	AddUnique(raw notification.Raw) (notification.Notification, bool)
}

// Config holds push link settings.
type Config struct {
	URL              string // ws:// or wss:// endpoint
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// PushURL derives the websocket endpoint from the REST base URL by switching
// the scheme and appending path.
func PushURL(apiBase, path string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// Channel owns one authenticated push link. It is created per session and
// started once; Close tears it down for good.
type Channel struct {
	cfg    Config
	creds  session.Credentials
	sink   Sink
	logger *zap.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	state     State
	listeners []func(State)
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

// New creates a channel. Nothing is dialed until Start.
func New(cfg Config, creds session.Credentials, sink Sink, logger *zap.Logger) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &Channel{
		cfg:    cfg,
		creds:  creds,
		sink:   sink,
		logger: logger.With(zap.String("component", "realtime")),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state: StateDisconnected,
		done:  make(chan struct{}),
	}
}

// State returns the current link state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to be called after every state transition.
// fn must not call back into the channel.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	metrics.SetChannelState(string(s))
	c.logger.Info("channel state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(s)),
	)
	for _, fn := range listeners {
		fn(s)
	}
}

// Start validates the session and launches the connect loop. With
// incomplete credentials the channel enters StateNotLoggedIn and never
// dials. Calling Start again is a no-op.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true

	if err := c.creds.Validate(); err != nil {
		c.mu.Unlock()
		close(c.done)
		c.logger.Warn("skipping push connection", zap.Error(err))
		c.setState(StateNotLoggedIn)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close stops reconnecting, disconnects a live link and waits for the loop
// to exit. It is safe to call more than once, and before Start.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.started = true
	c.mu.Unlock()

	if !started {
		close(c.done)
		return
	}
	if cancel != nil {
		cancel()
	}
	<-c.done
}

// Done is closed once the connect loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	topics := session.Topics(c.creds)
	bo := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), ctx)

	for {
		c.setState(StateConnecting)
		err := c.serve(ctx, topics)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if err != nil {
			c.logger.Warn("push link lost", zap.Error(err))
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.setState(StateDisconnected)
			return
		}
		metrics.RecordReconnect()
		c.logger.Info("reconnecting", zap.Duration("delay", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return
		case <-timer.C:
		}
	}
}

// serve runs one connection from dial to close. It leaves the state at
// StateError for handshake and broker failures and at StateDisconnected when
// an established link drops.
func (c *Channel) serve(ctx context.Context, topics []string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.creds.Token)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setState(StateError)
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	var connected atomic.Bool
	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			c.teardown(conn, connected.Load())
		case <-stop:
			conn.Close()
		}
	}()
	defer func() {
		close(stop)
		<-watched
	}()

	if err := c.handshake(conn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setState(StateError)
		return err
	}

	connected.Store(true)
	c.setState(StateConnected)

	for i, topic := range topics {
		sub := NewFrame(CmdSubscribe,
			"id", "sub-"+strconv.Itoa(i),
			"destination", topic,
			"ack", "auto",
		)
		if err := c.write(conn, sub); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setState(StateDisconnected)
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.logger.Debug("subscribed", zap.String("destination", topic))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setState(StateDisconnected)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("broker closed the push link", zap.Error(err))
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		frames, err := DecodeFrames(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			metrics.RecordPushMessage("", "invalid")
		}
		for _, f := range frames {
			if err := c.handle(f); err != nil {
				c.setState(StateError)
				return err
			}
		}
	}
}

func (c *Channel) handshake(conn *websocket.Conn) error {
	host := ""
	if u, err := url.Parse(c.cfg.URL); err == nil {
		host = u.Hostname()
	}

	connect := NewFrame(CmdConnect,
		"accept-version", "1.2",
		"host", host,
		"heart-beat", "0,0",
		"Authorization", "Bearer "+c.creds.Token,
	)
	if err := c.write(conn, connect); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		frames, err := DecodeFrames(data)
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		if len(frames) == 0 {
			continue
		}
		switch f := frames[0]; f.Command {
		case CmdConnected:
			c.logger.Info("push link connected",
				zap.String("version", f.Get("version")),
				zap.String("server", f.Get("server")),
			)
			return nil
		case CmdError:
			return fmt.Errorf("%w: %s", ErrStompError, errorText(f))
		default:
			return fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Command)
		}
	}
}

// handle processes one inbound frame. Only an ERROR frame ends the link.
func (c *Channel) handle(f Frame) error {
	switch f.Command {
	case CmdMessage:
		topic := f.Get("destination")
		raw, err := notification.DecodePayload(f.Body)
		if err != nil {
			c.logger.Warn("dropping unparsable push message",
				zap.String("destination", topic),
				zap.Error(err),
			)
			metrics.RecordPushMessage(topic, "invalid")
			return nil
		}
		n, added := c.sink.AddUnique(raw)
		result := "accepted"
		if !added {
			result = "duplicate"
		}
		metrics.RecordPushMessage(topic, result)
		c.logger.Debug("push message",
			zap.String("destination", topic),
			zap.String("id", n.ID),
			zap.String("result", result),
		)
		return nil

	case CmdError:
		err := fmt.Errorf("%w: %s", ErrStompError, errorText(f))
		c.logger.Error("broker sent ERROR frame", zap.Error(err))
		return err

	case CmdReceipt:
		return nil

	default:
		c.logger.Debug("ignoring frame", zap.String("command", f.Command))
		return nil
	}
}

func errorText(f Frame) string {
	if msg := f.Get("message"); msg != "" {
		return msg
	}
	return strings.TrimSpace(string(f.Body))
}

func (c *Channel) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, f.Encode())
}

// teardown says goodbye to the broker when the link is live, then closes
// the socket, which unblocks the read loop.
func (c *Channel) teardown(conn *websocket.Conn, live bool) {
	if live {
		if err := c.write(conn, NewFrame(CmdDisconnect)); err != nil {
			c.logger.Debug("send DISCONNECT", zap.Error(err))
		}
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
	}
	conn.Close()
}
