// Package transport is the HTTP client for the remote message API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/dmsync/internal/store"
)

// Credentials supplies the bearer token for each call.
type Credentials interface {
	Bearer() (string, bool)
	Clear()
}

// SendAck is the server's acknowledgement of a sent message.
type SendAck struct {
	ID        int64 `json:"id"`
	Timestamp int64 `json:"timestamp"`
}

// WireMessage is the JSON shape of a message on the REST API.
type WireMessage struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	Timestamp      int64  `json:"timestamp"`
	ClientTempID   string `json:"clientTempId,omitempty"`
}

// ToStore converts a wire message to a store message.
func (w WireMessage) ToStore() store.Message {
	return store.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		Timestamp:      w.Timestamp,
		ClientTempID:   w.ClientTempID,
	}
}

// FromStore converts a store message to its wire form.
func FromStore(m store.Message) WireMessage {
	return WireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Timestamp:      m.Timestamp,
		ClientTempID:   m.ClientTempID,
	}
}

// MessagePage is the response of the incremental fetch endpoint.
type MessagePage struct {
	Messages []WireMessage `json:"messages"`
}

// SendRequest is the body of the send endpoint.
type SendRequest struct {
	Body         string `json:"body"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// LoginRequest is the body of the register and login endpoints.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Client talks to the message server's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
}

// New creates a client for baseURL (e.g. "http://localhost:5000/api").
// creds may be nil for unauthenticated calls such as Login.
func New(baseURL string, creds Credentials, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
	}
}

// FetchMessagesSince returns up to limit messages positioned at or after
// since. The server may re-deliver the message at the cursor itself.
func (c *Client) FetchMessagesSince(ctx context.Context, conversationID string, since store.Cursor, limit int) ([]store.Message, error) {
	q := url.Values{}
	q.Set("after_ts", strconv.FormatInt(since.Timestamp, 10))
	q.Set("after_id", strconv.FormatInt(since.ID, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var page MessagePage
	if err := c.do(ctx, "fetch messages", http.MethodGet, path, nil, &page, true); err != nil {
		return nil, err
	}
	out := make([]store.Message, len(page.Messages))
	for i, w := range page.Messages {
		out[i] = w.ToStore()
	}
	return out, nil
}

// SendMessage posts a message. clientTempID lets the server collapse
// retried sends into one message.
func (c *Client) SendMessage(ctx context.Context, conversationID, body, clientTempID string) (SendAck, error) {
	var ack SendAck
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.do(ctx, "send message", http.MethodPost, path, SendRequest{Body: body, ClientTempID: clientTempID}, &ack, true)
	return ack, err
}

// Login exchanges a username and password for a token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, "login", http.MethodPost, "/login", LoginRequest{Username: username, Password: password}, &resp, false)
	return resp, err
}

// Register creates an account and returns a token for it.
func (c *Client) Register(ctx context.Context, username, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, "register", http.MethodPost, "/register", LoginRequest{Username: username, Password: password}, &resp, false)
	return resp, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, authed bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.creds == nil {
			return ErrNoCredential
		}
		token, ok := c.creds.Bearer()
		if !ok {
			return ErrNoCredential
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if resp.StatusCode == http.StatusUnauthorized && authed && c.creds != nil {
			c.creds.Clear()
		}
		return &ServerError{Op: op, Code: resp.StatusCode, Message: eb.Error}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &ServerError{Op: op, Code: resp.StatusCode, Message: "decode response: " + err.Error()}
		}
	}
	return nil
}

// WebsocketURL derives the push endpoint from the REST base URL.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}
