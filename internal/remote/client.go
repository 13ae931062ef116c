package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

const apiPrefix = "/api/v1"

// Client is the HTTP implementation of Gateway
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *staticTokens
	limiter    *rate.Limiter
	logger     *loggy.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithRateLimit limits outgoing requests to perMinute with the given burst
func WithRateLimit(perMinute, burst int) ClientOption {
	return func(c *Client) {
		if perMinute <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	}
}

// WithHTTPClient replaces the underlying transport. The bearer token is
// still added on top of it.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.httpClient = &http.Client{
			Timeout:   hc.Timeout,
			Transport: &oauth2.Transport{Source: c.tokens, Base: base},
		}
	}
}

// staticTokens is an oauth2.TokenSource whose token can be swapped at runtime
type staticTokens struct {
	mu    sync.RWMutex
	token string
}

func (s *staticTokens) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return nil, &Error{Kind: KindAuth, Message: "no server token configured"}
	}
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}, nil
}

func (s *staticTokens) set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// NewClient creates a new HTTP gateway for the server at baseURL
func NewClient(baseURL, token string, timeout time.Duration, logger *loggy.Logger, opts ...ClientOption) *Client {
	tokens := &staticTokens{token: token}

	// Create HTTP client with custom transport for connection pooling
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: tokens, Base: transport},
		},
		tokens: tokens,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.tokens.set(token)
}

type pushBody struct {
	ID          string            `json:"id"`
	BaseVersion int64             `json:"baseVersion"`
	Pin         *entity.PinPatch  `json:"pin,omitempty"`
	Form        *entity.FormPatch `json:"form,omitempty"`
}

type listResponse struct {
	Records []*Record `json:"records"`
}

func collectionPath(t entity.Type) string {
	return fmt.Sprintf("%s/%ss", apiPrefix, t)
}

// Push implements Gateway
func (c *Client) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	var (
		method string
		path   string
		body   any
	)
	switch req.Kind {
	case entity.MutationCreate:
		method, path = http.MethodPost, collectionPath(req.EntityType)
		body = pushBody{ID: req.EntityID, Pin: req.Pin, Form: req.Form}
	case entity.MutationUpdate:
		method, path = http.MethodPut, collectionPath(req.EntityType)+"/"+url.PathEscape(req.EntityID)
		body = pushBody{ID: req.EntityID, BaseVersion: req.BaseVersion, Pin: req.Pin, Form: req.Form}
	case entity.MutationDelete:
		method = http.MethodDelete
		path = collectionPath(req.EntityType) + "/" + url.PathEscape(req.EntityID) +
			"?version=" + strconv.FormatInt(req.BaseVersion, 10)
	default:
		return PushResult{}, NewError(KindValidation, "unknown operation kind %q", req.Kind)
	}

	headers := http.Header{}
	headers.Set("Idempotency-Key", req.IdempotencyKey)
	headers.Set("X-Device-ID", req.DeviceID)

	var res PushResult
	if err := c.do(ctx, method, path, headers, body, &res); err != nil {
		return PushResult{}, err
	}
	c.logger.Debug("Push accepted",
		"entity_type", req.EntityType,
		"entity_id", req.EntityID,
		"kind", req.Kind,
		"version", res.NewVersion,
		"duplicate", res.Duplicate)
	return res, nil
}

// PullByID implements Gateway
func (c *Client) PullByID(ctx context.Context, t entity.Type, id string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, collectionPath(t)+"/"+url.PathEscape(id), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PullAllSince implements Gateway
func (c *Client) PullAllSince(ctx context.Context, t entity.Type, since time.Time) ([]*Record, error) {
	path := collectionPath(t)
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var res listResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &res); err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Health checks that the server answers its health endpoint
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// do is a helper to send a request and decode the response into out
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindNetwork, Message: "rate limiter wait", Err: err}
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Message: "marshaling request body", Err: err}
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return &Error{Kind: KindUnknown, Message: "creating request", Err: err}
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	requestID := loggy.GetRequestID(ctx)
	if requestID == "" {
		requestID = loggy.NewRequestID()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		loggy.FromContext(ctx).Debug("Request failed", "method", method, "path", path, "request_id", requestID, "error", err)
		if kind := KindOf(err); kind == KindAuth {
			return err
		}
		return &Error{Kind: KindNetwork, Message: "executing request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		apiErr.Kind = KindFromStatus(resp.StatusCode)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindServer, StatusCode: resp.StatusCode, Message: "decoding response", Err: err}
	}
	return nil
}
