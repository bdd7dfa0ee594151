// Package chatclient talks to the chat server over REST and the push stream.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/types"
)

// ResponseError is a non-2xx answer from the server.
type ResponseError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		dialer:     websocket.DefaultDialer,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if token := c.Token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// do sends body as JSON and decodes a JSON answer into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header = c.authHeader()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		respErr := &ResponseError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(respErr); err != nil || respErr.Message == "" {
			respErr.Message = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		respErr.StatusCode = resp.StatusCode
		return respErr
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &user)

	return user, err
}

// Login authenticates and keeps the issued token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (types.User, error) {
	var resp struct {
		User  types.User `json:"user"`
		Token string     `json:"token"`
	}

	if err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &resp); err != nil {
		return types.User{}, err
	}

	c.SetToken(resp.Token)
	return resp.User, nil
}

func (c *Client) Session(ctx context.Context) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, &user)
	return user, err
}

func (c *Client) Conversations(ctx context.Context) ([]types.ConversationView, error) {
	var views []types.ConversationView
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &views)
	return views, err
}

func (c *Client) CreateDirect(ctx context.Context, userId int) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]int{"user_id": userId}, &conv)
	return conv, err
}

func (c *Client) CreateGroup(ctx context.Context, name string, members []int) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations/group", map[string]any{
		"name":    name,
		"members": members,
	}, &conv)
	return conv, err
}

// Messages fetches the history of a conversation. The server marks it read.
func (c *Client) Messages(ctx context.Context, conversationId string) ([]types.Message, error) {
	var msgs []types.Message
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationId)+"/messages", nil, &msgs)
	return msgs, err
}

func (c *Client) Send(ctx context.Context, conversationId, content string) (types.Message, error) {
	var msg types.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", map[string]string{
		"conversation_id": conversationId,
		"content":         content,
	}, &msg)
	return msg, err
}

func (c *Client) MarkRead(ctx context.Context, conversationId string) (int64, error) {
	var resp struct {
		Marked int64 `json:"marked"`
	}
	err := c.do(ctx, http.MethodPut, "/api/conversations/"+url.PathEscape(conversationId)+"/read", nil, &resp)
	return resp.Marked, err
}

func (c *Client) Presence(ctx context.Context) ([]int, error) {
	var resp struct {
		Online []int `json:"online"`
	}
	err := c.do(ctx, http.MethodGet, "/api/presence", nil, &resp)
	return resp.Online, err
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return u.String(), nil
}

// Dial opens the push stream with the same token the REST calls use.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.wsURL()
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, c.authHeader())
	if err != nil {
		if resp != nil {
			return nil, &ResponseError{
				StatusCode: resp.StatusCode,
				Message:    strings.ToLower(http.StatusText(resp.StatusCode)),
			}
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	return conn, nil
}
