// Package api is the REST client for the chat endpoints of the HR backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hirechat/pkg/auth"
	"hirechat/pkg/chat"
	"hirechat/pkg/logging"
)

var ErrNoCredential = errors.New("no access token available")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Detail)
}

// Client talks to /chat/* with the bearer credential from a TokenStore.
type Client struct {
	baseURL    string
	tokens     auth.TokenStore
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, tokens auth.TokenStore, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "api"),
	}
}

func (c *Client) Inbox(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/chat/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns up to limit messages older than beforeID (all recent ones when beforeID is empty), oldest first.
func (c *Client) History(ctx context.Context, conversationID, beforeID string, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if beforeID != "" {
		q.Set("before_id", beforeID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []chat.Message
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, req chat.SendRequest) (chat.Message, error) {
	var out chat.Message
	if err := c.doJSON(ctx, http.MethodPost, "/chat/messages", nil, req, &out); err != nil {
		return chat.Message{}, err
	}
	return out, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (chat.Message, error) {
	var out chat.Message
	body := map[string]string{"content": content}
	if err := c.doJSON(ctx, http.MethodPatch, "/chat/messages/"+url.PathEscape(messageID), nil, body, &out); err != nil {
		return chat.Message{}, err
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/chat/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

// ToggleReaction adds or removes the caller's emoji and returns the updated aggregate list.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) ([]chat.Reaction, error) {
	var out []chat.Reaction
	body := map[string]string{"emoji": emoji}
	path := "/chat/messages/" + url.PathEscape(messageID) + "/reactions"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Unread int `json:"unread"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/unread", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Unread, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.UserHit, error) {
	var out []chat.UserHit
	q := url.Values{"q": []string{query}}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/users/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upload stores an attachment as multipart field "file".
func (c *Client) Upload(ctx context.Context, fileName string, content io.Reader) (chat.UploadResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return chat.UploadResult{}, fmt.Errorf("create form file for %s: %w", fileName, err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return chat.UploadResult{}, fmt.Errorf("copy file content for %s: %w", fileName, err)
	}
	if err := w.Close(); err != nil {
		return chat.UploadResult{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chat/upload", nil, &b)
	if err != nil {
		return chat.UploadResult{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out chat.UploadResult
	if err := c.send(req, &out); err != nil {
		return chat.UploadResult{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}
	if token == "" {
		return nil, ErrNoCredential
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api call",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readDetail extracts the "detail" field of an error body; validation errors carry a list.
func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(data, &body) != nil || body.Detail == nil {
		return strings.TrimSpace(string(data))
	}
	if s, ok := body.Detail.(string); ok {
		return s
	}
	compact, _ := json.Marshal(body.Detail)
	return string(compact)
}
