// Package storybuddy provides the Go client for the storybuddy gateway: the
// Q&A REST surface and the /v1/live voice session WebSocket.
package storybuddy

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

	"github.com/howie/storybuddy-sub001/pkg/core"
)

const defaultHTTPTimeout = 30 * time.Second

// Client is the entry point for the SDK. Construct it with NewClient; the
// zero value is not usable.
type Client struct {
	QA   *QAService
	Live *LiveService

	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the bearer key sent on every request. The live WebSocket
// handshake carries it too.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client for the gateway at baseURL (http or https).
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, core.NewValidationError(fmt.Sprintf("invalid base url: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, core.NewValidationError("base url must use http or https")
	}
	if u.Host == "" {
		return nil, core.NewValidationError("base url must include a host")
	}

	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.QA = &QAService{client: c}
	c.Live = &LiveService{client: c}
	return c, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path
}

// webSocketEndpoint rewrites the base URL scheme for a WebSocket dial.
func (c *Client) webSocketEndpoint(path string) string {
	endpoint := c.endpoint(path)
	if strings.HasPrefix(endpoint, "https://") {
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	}
	return "ws://" + strings.TrimPrefix(endpoint, "http://")
}

// doJSON issues one JSON request and decodes the response into out when the
// status matches wantStatus. Any other status is decoded into the gateway's
// error envelope.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return core.NewValidationError(fmt.Sprintf("encode request: %v", err))
		}
		reqBody = bytes.NewReader(raw)
	}

	endpoint := c.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return core.NewValidationError(fmt.Sprintf("build request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return decodeErrorResponse(resp, endpoint, method)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeErrorResponse turns a non-2xx gateway reply into the canonical
// *core.Error, falling back to a status-derived error when the body is not
// the JSON envelope.
func decodeErrorResponse(resp *http.Response, endpoint, method string) error {
	requestID := resp.Header.Get("X-Request-ID")
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}

	var env struct {
		Error *core.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		if env.Error.RequestID == "" {
			env.Error.RequestID = requestID
		}
		if env.Error.Type == "" {
			env.Error.Type = inferErrorType(resp.StatusCode)
		}
		if env.Error.Message == "" {
			env.Error.Message = http.StatusText(resp.StatusCode)
		}
		return env.Error
	}

	return &core.Error{
		Type:      inferErrorType(resp.StatusCode),
		Message:   fmt.Sprintf("gateway request failed with status %d", resp.StatusCode),
		RequestID: requestID,
	}
}

func inferErrorType(statusCode int) core.ErrorType {
	switch statusCode {
	case http.StatusUnprocessableEntity:
		return core.ErrValidation
	case http.StatusNotFound:
		return core.ErrNotFound
	case http.StatusBadRequest:
		return core.ErrInvalidState
	case http.StatusUnauthorized:
		return core.ErrUnauthorized
	case http.StatusRequestTimeout:
		return core.ErrTimeout
	default:
		return core.ErrInternal
	}
}
