package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexus-im/courier/store/message"
)

const (
	eventNewMessage  = "newMessage"
	eventOnlineUsers = "onlineUsers"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// User is a roster entry.
type User struct {
	ID          string     `json:"_id"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen"`
}

// Client talks to the REST API and the push endpoint on behalf of one
// authenticated user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.do(ctx, http.MethodGet, "/api/messages/users", nil, "", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Conversation fetches the history with peerID, oldest first.
func (c *Client) Conversation(ctx context.Context, peerID string) ([]message.Message, error) {
	var messages []message.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(peerID), nil, "", &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Send posts one message as multipart form data.
func (c *Client) Send(ctx context.Context, peerID string, out Outgoing) (*message.Message, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	if err := form.WriteField("content", out.Content); err != nil {
		return nil, err
	}
	if len(out.Image) > 0 {
		part, err := form.CreateFormFile("image", "image")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(out.Image); err != nil {
			return nil, err
		}
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	var msg message.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages/send/"+url.PathEscape(peerID), body, form.FormDataContentType(), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Subscription is a live push channel. Messages and Presence are closed
// when the connection ends; Err then tells why.
type Subscription struct {
	conn     *websocket.Conn
	messages chan message.Message
	presence chan []string

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	err       error
}

// Subscribe opens the push channel.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, err
	}

	s := &Subscription{
		conn:     conn,
		messages: make(chan message.Message, 64),
		presence: make(chan []string, 1),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Subscription) Messages() <-chan message.Message { return s.messages }

// Presence carries the latest list of online users. Older lists are
// dropped when the reader lags.
func (s *Subscription) Presence() <-chan []string { return s.presence }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	return nil
}

func (s *Subscription) readLoop() {
	defer close(s.messages)
	defer close(s.presence)

	for {
		var evt struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := s.conn.ReadJSON(&evt); err != nil {
			select {
			case <-s.done:
			default:
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}

		switch evt.Type {
		case eventNewMessage:
			var msg message.Message
			if err := json.Unmarshal(evt.Data, &msg); err != nil {
				continue
			}
			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		case eventOnlineUsers:
			var ids []string
			if err := json.Unmarshal(evt.Data, &ids); err != nil {
				continue
			}
			select {
			case <-s.presence:
			default:
			}
			s.presence <- ids
		}
	}
}
