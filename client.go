// Package chatsync keeps a two-party conversation's message log in sync with
// a message store: history load, live insert feed, and optimistic sends.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.example.com"))
//	feed := chatsync.NewWSFeed("https://api.example.com", &chatsync.FeedConfig{Token: token})
//
//	engine := chatsync.NewEngine(client, feed, myAddress)
//	defer engine.Close()
//
//	engine.OnChange(func(entries []chatsync.Entry) { render(entries) })
//	engine.Activate(ctx, chatID)
//	engine.Send(ctx, "hi", nil)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Store
// ============================================================================

// Store is the durable message store the engine reads from and writes to.
type Store interface {
	FetchConversation(ctx context.Context, conversationID string) (*Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, msg *Message) (*Message, error)
	ResolveUser(ctx context.Context, id string) (*User, error)
}

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is an HTTP Store. The credential is sent as a bearer token on every call.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var _ Store = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a message store client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the credential, e.g. after a wallet re-login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, NewError(CodeValidation, "marshal request", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, NewError(CodeTransport, "create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewError(CodeTransport, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(CodeTransport, "read response", err)
	}

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 300 {
			return nil, NewError(CodeTransport, "decode response", err)
		}
	}
	if resp.StatusCode >= 300 || (!result.OK && result.Error != nil) {
		return nil, errorFromStatus(resp.StatusCode, result.Error)
	}
	return &result, nil
}

func decodeData[T any](r *Result) (*T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return nil, NewError(CodeTransport, "decode data", err)
	}
	return &v, nil
}

// ============================================================================
// Store methods
// ============================================================================

func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := c.doRequest(ctx, "GET", "/api/chats/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeData[Conversation](res)
	if err != nil {
		return nil, err
	}
	if conv.ID == "" {
		return nil, NewError(CodeNotFound, "conversation "+conversationID, nil)
	}
	return conv, nil
}

// FetchMessages returns the conversation's messages in ascending arrival order.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	res, err := c.doRequest(ctx, "GET", "/api/chats/"+url.PathEscape(conversationID)+"/messages",
		nil, map[string]string{"ascending": "true"})
	if err != nil {
		return nil, err
	}
	msgs, err := decodeData[[]Message](res)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// CreateMessage stores msg and returns the canonical record. msg.ID is not sent.
func (c *Client) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	payload := map[string]interface{}{
		"sender":  msg.SenderID,
		"message": msg.Body,
	}
	if msg.Kind != "" {
		payload["type"] = msg.Kind
	}
	if msg.RequestID != "" {
		payload["requestId"] = msg.RequestID
	}
	res, err := c.doRequest(ctx, "POST", "/api/chats/"+url.PathEscape(msg.ConversationID)+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	created, err := decodeData[Message](res)
	if err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, NewError(CodeTransport, "store returned a message without id", nil)
	}
	return created, nil
}

func (c *Client) ResolveUser(ctx context.Context, id string) (*User, error) {
	res, err := c.doRequest(ctx, "GET", "/api/users/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[User](res)
}

// ListConversations returns every conversation address takes part in.
func (c *Client) ListConversations(ctx context.Context, address string) ([]Conversation, error) {
	res, err := c.doRequest(ctx, "GET", "/api/chats/user/"+url.PathEscape(address), nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeData[[]Conversation](res)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// FindConversation looks up the conversation between two participants.
func (c *Client) FindConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	res, err := c.doRequest(ctx, "GET", "/api/chats/specific", nil, map[string]string{
		"user_1_address": userA,
		"user_2_address": userB,
	})
	if err != nil {
		return nil, err
	}
	conv, err := decodeData[Conversation](res)
	if err != nil {
		return nil, err
	}
	if conv.ID == "" {
		return nil, NewError(CodeNotFound, fmt.Sprintf("conversation between %s and %s", userA, userB), nil)
	}
	return conv, nil
}
