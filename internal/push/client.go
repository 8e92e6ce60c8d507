// Package push listens for server nudges over a websocket and wakes the
// matching conversation engines. Polling keeps running underneath, so a lost
// connection only delays delivery until the next tick.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/transport"
	"go.uber.org/zap"
)

// Nudge is a server frame announcing new data.
type Nudge struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

const nudgeMessage = "message"

// Waker is the part of the registry the push client drives.
type Waker interface {
	Wake(conversationID string) error
	WakeAll()
}

// Credentials supplies the bearer token for the websocket handshake.
type Credentials interface {
	Bearer() (string, bool)
}

// Client keeps one websocket open while a credential is available.
type Client struct {
	url       string
	creds     Credentials
	waker     Waker
	logger    *zap.Logger
	dialer    *websocket.Dialer
	changed   chan struct{}
	connected atomic.Bool
	maxDelay  time.Duration
}

// New creates a push client for the server at baseURL.
func New(baseURL string, creds Credentials, waker Waker, logger *zap.Logger) (*Client, error) {
	u, err := transport.WebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:      u,
		creds:    creds,
		waker:    waker,
		logger:   logger.With(zap.String("component", "push")),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		changed:  make(chan struct{}, 1),
		maxDelay: 30 * time.Second,
	}, nil
}

// Connected reports whether the websocket is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// CredentialChanged makes the client reconnect with the current credential.
func (c *Client) CredentialChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// Run maintains the connection until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}
		token, ok := c.creds.Bearer()
		if !ok {
			select {
			case <-c.changed:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		opened, err := c.session(ctx, token)
		if ctx.Err() != nil {
			return nil
		}
		if opened {
			b.Reset()
		}
		delay := b.NextBackOff()
		c.logger.Warn("push connection lost, reconnecting", zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.changed:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

var errCredentialChanged = errors.New("credential changed")

// session runs one connection. opened reports whether the handshake succeeded.
func (c *Client) session(ctx context.Context, token string) (opened bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return false, &transport.ServerError{Op: "push", Code: resp.StatusCode}
		}
		return false, &transport.NetworkError{Op: "push", Err: err}
	}
	defer func() { _ = conn.Close() }()

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("push connected", zap.String("url", c.url))

	done := make(chan struct{})
	defer close(done)
	var reason atomic.Value
	go func() {
		select {
		case <-ctx.Done():
		case <-c.changed:
			reason.Store(errCredentialChanged)
		case <-done:
			return
		}
		_ = conn.Close()
	}()

	// Anything pushed while we were away is caught up here.
	c.waker.WakeAll()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if r, ok := reason.Load().(error); ok {
				return true, r
			}
			return true, err
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var n Nudge
	if err := json.Unmarshal(data, &n); err != nil {
		c.logger.Debug("ignoring malformed push frame", zap.Error(err))
		return
	}
	if n.Type != nudgeMessage {
		return
	}
	if n.ConversationID == "" {
		c.waker.WakeAll()
		return
	}
	if err := c.waker.Wake(n.ConversationID); err != nil {
		// Not active: the summary refreshes on the next activation.
		c.logger.Debug("nudge for inactive conversation", logging.Conversation(n.ConversationID))
	}
}
