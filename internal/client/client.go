// Package client is the device-side JSON client for the pgtag backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/erazemk/pgtag/internal/auth"
	"github.com/erazemk/pgtag/internal/model"
)

var (
	// ErrUnauthorized is returned when the caller lacks a session or the
	// capability for an operation, whether detected locally or by the server.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for unknown tags, rooms or properties.
	ErrNotFound = errors.New("not found")
	// ErrRoomNotFound is returned when a room does not exist in the caller's property.
	ErrRoomNotFound = errors.New("room not found")
	// ErrConflict is returned for invalid state transitions and duplicates.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned when the server rejects request data.
	ErrInvalid = errors.New("invalid request")
	// ErrNetwork covers transport failures and server errors. Requests failing
	// with it may be retried.
	ErrNetwork = errors.New("network error")
)

// Retryable reports whether a request failing with err may succeed later.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the response onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == "room_not_found":
		return ErrRoomNotFound
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusConflict:
		return ErrConflict
	case e.Status >= 500:
		return ErrNetwork
	case e.Status >= 400:
		return ErrInvalid
	}
	return nil
}

// Client talks to the backend on behalf of one signed-in user.
type Client struct {
	BaseURL *url.URL
	HTTP    *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a client for the backend at baseURL.
func New(baseURL string) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	return &Client{
		BaseURL: parsed,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetToken installs the bearer token used for every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Claims decodes the current token without verifying it. It is used to gate
// operations locally; the server verifies every request.
func (c *Client) Claims() (*auth.Claims, error) {
	token := c.Token()
	if token == "" {
		return nil, fmt.Errorf("%w: not signed in", ErrUnauthorized)
	}
	claims, err := auth.PeekClaims(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: session expired", ErrUnauthorized)
	}
	return claims, nil
}

// Require returns the caller's claims if their role grants capability,
// without any network traffic.
func (c *Client) Require(capability model.Capability) (*auth.Claims, error) {
	claims, err := c.Claims()
	if err != nil {
		return nil, err
	}
	if !model.Can(claims.Role, capability) {
		return nil, fmt.Errorf("%w: role %q lacks %s", ErrUnauthorized, claims.Role, capability)
	}
	return claims, nil
}

func (c *Client) do(ctx context.Context, method, reqPath string, query url.Values, body, out any) error {
	u := *c.BaseURL
	u.Path = path.Join(c.BaseURL.Path, reqPath)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, reqPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", ErrNetwork, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func idQuery(name string, id int64) url.Values {
	q := url.Values{}
	q.Set(name, strconv.FormatInt(id, 10))
	return q
}
