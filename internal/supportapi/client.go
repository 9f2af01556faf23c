package supportapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pharmacy-chat-client/internal/model"
)

const requestTimeout = 10 * time.Second

// Client talks to the support backend's REST collaborators: session
// creation, history fetch and the durability path for sent messages.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// SetVisitorToken stores the opaque token returned by CreateSession. It is
// forwarded verbatim as a bearer header on later calls.
func (c *Client) SetVisitorToken(token string) {
	c.token = token
}

type CreateSessionRequest struct {
	Type           model.Origin   `json:"type"`
	Customer       model.Customer `json:"customer"`
	Subject        string         `json:"subject,omitempty"`
	InitialMessage string         `json:"initialMessage"`
}

type CreateSessionResponse struct {
	SessionID    string       `json:"sessionId"`
	Agent        *model.Agent `json:"agent,omitempty"`
	StartTime    time.Time    `json:"startTime"`
	VisitorToken string       `json:"visitorToken,omitempty"`
}

type postMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

type apiError struct {
	Message string `json:"message"`
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("support api: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("support api: unexpected status %d", e.StatusCode)
}

// IsRetryable reports whether the failure is worth a retry banner: network
// errors and server-side statuses qualify, rejected requests do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if httpErr, ok := err.(*HTTPError); ok {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error) {
	var res CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &res); err != nil {
		return CreateSessionResponse{}, err
	}
	if res.VisitorToken != "" {
		c.token = res.VisitorToken
	}
	return res, nil
}

func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	var messages []model.Message
	path := fmt.Sprintf("/sessions/%s/messages", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) PostMessage(ctx context.Context, sessionID, content, msgType string) error {
	path := fmt.Sprintf("/sessions/%s/messages", sessionID)
	return c.do(ctx, http.MethodPost, path, postMessageRequest{
		Content: content,
		Type:    msgType,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("support api: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("support api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("support api: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var apiErr apiError
		_ = json.NewDecoder(res.Body).Decode(&apiErr)
		return &HTTPError{
			StatusCode: res.StatusCode,
			Message:    apiErr.Message,
		}
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("support api: decode response: %w", err)
		}
	}
	return nil
}
