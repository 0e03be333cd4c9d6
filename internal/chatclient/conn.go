package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/errs"
	"github.com/pliu/supportchat/internal/models"
	"github.com/pliu/supportchat/internal/relay"
	"github.com/pliu/supportchat/internal/ws"
)

const (
	requestTimeout   = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	eventBuffer      = 64
)

var ErrClosed = errs.New(errs.CodeUnknown, "connection closed")

// Conn is one authenticated session with the server: a cookie-carrying
// HTTP client plus a single websocket for live events.
type Conn struct {
	baseURL string
	userID  int
	http    *http.Client
	ws      *websocket.Conn
	log     zerolog.Logger

	writeMu sync.Mutex
	subMu   sync.Mutex

	mu      sync.Mutex
	pending chan ws.Event

	events    chan ws.Event
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

type ConnOption func(*Conn)

func WithConnLogger(log zerolog.Logger) ConnOption {
	return func(c *Conn) { c.log = log }
}

// Dial logs in with username and password and opens the live channel.
func Dial(ctx context.Context, baseURL, username, password string, opts ...ConnOption) (*Conn, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Jar: jar, Timeout: requestTimeout},
		log:      zerolog.Nop(),
		events:   make(chan ws.Event, eventBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	var user models.User
	creds := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/login", creds, &user); err != nil {
		return nil, err
	}
	c.userID = user.ID

	dialer := websocket.Dialer{Jar: jar, HandshakeTimeout: handshakeTimeout}
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial live channel: %w", err)
	}
	c.ws = conn

	go c.readLoop()
	c.log.Debug().Int("user_id", c.userID).Msg("connected")
	return c, nil
}

// Signup registers a new account. It does not log in.
func Signup(ctx context.Context, baseURL, username, email, password string) (*models.User, error) {
	c := &Conn{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: requestTimeout}}
	var user models.User
	body := map[string]string{"username": username, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/signup", body, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UserID is the id of the logged-in user.
func (c *Conn) UserID() int {
	return c.userID
}

func (c *Conn) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError rebuilds the server's AppError so callers can match on the
// errs sentinels.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var appErr errs.AppError
	if err := json.Unmarshal(raw, &appErr); err == nil && appErr.Code != "" {
		return &appErr
	}

	code := errs.CodeUnknown
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		code = errs.CodeUnauthenticated
	case http.StatusForbidden:
		code = errs.CodeForbidden
	case http.StatusNotFound:
		code = errs.CodeNotFound
	}
	return errs.New(code, strings.TrimSpace(string(raw)))
}

// SearchUsers looks up users by name; role may be empty.
func (c *Conn) SearchUsers(ctx context.Context, query string, role models.Role) ([]models.User, error) {
	params := url.Values{}
	params.Set("q", query)
	if role != "" {
		params.Set("role", string(role))
	}
	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/users/search?"+params.Encode(), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Conn) Enroll(ctx context.Context, req relay.EnrollRequest) (*relay.EnrollResponse, error) {
	var resp relay.EnrollResponse
	if err := c.do(ctx, http.MethodPost, "/keys", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Conn) DeleteKeys(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/keys", nil, nil)
}

func (c *Conn) PublicKey(ctx context.Context, userID int) (*relay.PublicKeyResponse, error) {
	var resp relay.PublicKeyResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/public-key", userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Conn) BackupBundle(ctx context.Context, userID int) (*relay.BackupBundle, error) {
	var resp relay.BackupBundle
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/backup", userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Conn) CreateOrGetConversation(ctx context.Context, a, b int) (*models.Conversation, error) {
	var conv models.Conversation
	req := map[string][]int{"participant_ids": {a, b}}
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Conn) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Conn) AppendMessage(ctx context.Context, conversationID string, req relay.AppendRequest) (*models.Envelope, error) {
	var env models.Envelope
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", req, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Conn) ListMessages(ctx context.Context, conversationID string, cursor *int64, limit int) (*models.MessagePage, error) {
	query := url.Values{}
	if cursor != nil {
		query.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var page models.MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Conn) Join(ctx context.Context, conversationID string) error {
	return c.subscribe(ctx, "join", conversationID)
}

func (c *Conn) Leave(ctx context.Context, conversationID string) error {
	return c.subscribe(ctx, "leave", conversationID)
}

// subscribe sends one frame and waits for its acknowledgement. The server
// answers frames in order, so one frame is kept in flight at a time.
func (c *Conn) subscribe(ctx context.Context, frameType, conversationID string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	select {
	case <-c.readDone:
		return ErrClosed
	default:
	}

	ack := make(chan ws.Event, 1)
	c.mu.Lock()
	c.pending = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteJSON(ws.Frame{Type: frameType, ConversationID: conversationID})
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case ev := <-ack:
		if ev.Type == ws.EventError {
			return frameError(ev)
		}
		return nil
	case <-c.readDone:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameError rebuilds the server's error for a rejected frame.
func frameError(ev ws.Event) error {
	code := ev.Code
	if code == "" {
		code = errs.CodeUnknown
	}
	return errs.New(code, ev.Error)
}

func (c *Conn) Events() <-chan ws.Event {
	return c.events
}

// readLoop runs until the websocket fails. Closing readDone releases any
// frame still waiting for its acknowledgement.
func (c *Conn) readLoop() {
	defer close(c.events)
	defer close(c.readDone)
	for {
		var ev ws.Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("live channel closed")
			}
			return
		}

		switch ev.Type {
		case ws.EventJoined, ws.EventLeft, ws.EventError:
			c.mu.Lock()
			ack := c.pending
			c.mu.Unlock()
			if ack != nil {
				select {
				case ack <- ev:
				default:
				}
			}
		default:
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

// Close ends the session. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
