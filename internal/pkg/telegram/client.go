// Package telegram is a minimal Bot API client covering the calls the group
// binding core makes: identity, chat and member lookups, invite links and
// webhook registration.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.telegram.org"

// APIError is a non-ok envelope returned by the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s failed: %d %s", e.Method, e.Code, e.Description)
}

// IsAPIError reports whether err carries a Bot API error with the given code.
// A zero code matches any API error.
func IsAPIError(err error, code int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return code == 0 || apiErr.Code == code
}

// IBotAPI is the subset of the Bot API the service depends on.
type IBotAPI interface {
	GetMe(ctx context.Context) (*User, error)
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error)
	GetChatMemberCount(ctx context.Context, chatID int64) (int, error)
	CreateChatInviteLink(ctx context.Context, chatID int64, params InviteLinkParams) (*ChatInviteLink, error)
	SetWebhook(ctx context.Context, params SetWebhookParams) error
	GetWebhookInfo(ctx context.Context) (*WebhookInfo, error)
}

// Client talks to the Bot API on behalf of one bot.
type Client struct {
	name       string
	token      string
	baseURL    string
	httpClient *http.Client

	botID int64
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL points the client at another API host.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// NewClient creates a client. It does not contact the API.
func NewClient(name, token string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		name:       name,
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: timeout},
		botID:      botIDFromToken(token),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name is the configured bot name.
func (c *Client) Name() string { return c.name }

// BotID is the numeric id encoded in the token prefix, or 0 if the token has
// no such prefix.
func (c *Client) BotID() int64 { return c.botID }

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	if err := c.call(ctx, "getChat", map[string]any{"chat_id": chatID}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	var m ChatMember
	params := map[string]any{"chat_id": chatID, "user_id": userID}
	if err := c.call(ctx, "getChatMember", params, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) GetChatMemberCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	if err := c.call(ctx, "getChatMemberCount", map[string]any{"chat_id": chatID}, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) CreateChatInviteLink(ctx context.Context, chatID int64, params InviteLinkParams) (*ChatInviteLink, error) {
	body := map[string]any{"chat_id": chatID}
	if params.Name != "" {
		body["name"] = params.Name
	}
	if params.ExpireDate > 0 {
		body["expire_date"] = params.ExpireDate
	}
	if params.MemberLimit > 0 {
		body["member_limit"] = params.MemberLimit
	}
	if params.CreatesJoinRequest {
		body["creates_join_request"] = true
	}

	var link ChatInviteLink
	if err := c.call(ctx, "createChatInviteLink", body, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

func (c *Client) SetWebhook(ctx context.Context, params SetWebhookParams) error {
	var ok bool
	return c.call(ctx, "setWebhook", params, &ok)
}

func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info WebhookInfo
	if err := c.call(ctx, "getWebhookInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// call posts params as JSON to method and decodes the envelope's result into
// out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	var body io.Reader = http.NoBody
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("telegram: encode %s params: %w", method, err)
		}
		body = bytes.NewReader(buf)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the token is part of the URL; keep it out of the error text
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("telegram: decode %s response (http %d): %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram: decode %s result: %w", method, err)
	}
	return nil
}

func botIDFromToken(token string) int64 {
	prefix, _, ok := strings.Cut(token, ":")
	if !ok {
		return 0
	}
	var id int64
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return 0
		}
		id = id*10 + int64(r-'0')
	}
	return id
}
