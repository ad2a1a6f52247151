// Package keygenclient is the HTTP client a subordinate server uses to talk
// to the key generation authority.
package keygenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robcowart/ibekd/internal/ibe"
)

// ErrTransport is matched by every error the client returns for a failed
// exchange with the authority.
var ErrTransport = errors.New("authority transport error")

// maxBodySize bounds how much of a response body is read
const maxBodySize = 4 << 20

// Response is the envelope the authority wraps results in
type Response struct {
	ResultCode int             `json:"resultCode"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload"`
}

// TransportError describes a failed call to the authority
type TransportError struct {
	Op         string
	StatusCode int
	ResultCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "authority %s", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.ResultCode != 0 {
		fmt.Fprintf(&b, ": result code %d", e.ResultCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) hold for every TransportError
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Client talks to one authority
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client for the authority at baseURL
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetToken sets the bearer token sent with every request
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Login authenticates against the authority and keeps the issued token
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, "login", http.MethodPost, "/api/v1/auth/login", body, false, &out); err != nil {
		return err
	}
	if out.Token == "" {
		return &TransportError{Op: "login", Message: "no token in response"}
	}
	c.SetToken(out.Token)
	return nil
}

// SystemNumber resolves a System owner name to its ID
func (c *Client) SystemNumber(ctx context.Context, name string) (int64, error) {
	var id int64
	path := "/system/" + url.PathEscape(name) + "/number"
	if err := c.call(ctx, "system number", http.MethodGet, path, nil, true, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// AllSystems returns every System as ID to owner. Keys that are not
// integers are skipped.
func (c *Client) AllSystems(ctx context.Context) (map[int64]string, error) {
	var raw map[string]string
	if err := c.call(ctx, "system list", http.MethodGet, "/system/all", nil, false, &raw); err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

// AllParameters returns the public parameter of every System
func (c *Client) AllParameters(ctx context.Context) (map[int64]*ibe.PublicParameter, error) {
	var raw map[string]*ibe.PublicParameter
	if err := c.call(ctx, "parameter list", http.MethodGet, "/system/allparam", nil, false, &raw); err != nil {
		return nil, err
	}
	out := make(map[int64]*ibe.PublicParameter, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil || v == nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

// RequestIdentity submits a CSR and returns the capsule the authority sealed
// under the CSR's session key.
func (c *Client) RequestIdentity(ctx context.Context, csr *ibe.CSR) ([]byte, error) {
	var capsule []byte
	if err := c.call(ctx, "identity request", http.MethodPost, "/singleid", csr, true, &capsule); err != nil {
		return nil, err
	}
	if len(capsule) == 0 {
		return nil, &TransportError{Op: "identity request", Message: "empty capsule"}
	}
	return capsule, nil
}

// call performs one exchange. When wrapped is set the body is a Response
// whose payload is decoded into out, otherwise the whole body is.
func (c *Client) call(ctx context.Context, op, method, path string, in any, wrapped bool, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	envelope, err := normalize(raw, wrapped)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TransportError{Op: op, StatusCode: resp.StatusCode}
		if envelope != nil {
			te.ResultCode = envelope.ResultCode
			te.Message = envelope.Message
		}
		return te
	}
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if envelope.ResultCode != 0 {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, ResultCode: envelope.ResultCode, Message: envelope.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Payload, out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode payload: %w", err)}
	}
	return nil
}

// normalize turns a body into a Response. Unwrapped bodies become the
// payload of a successful Response; error bodies of the form {"error": ...}
// become its message.
func normalize(raw []byte, wrapped bool) (*Response, error) {
	var failure struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &failure) == nil && failure.Error != "" {
		return &Response{ResultCode: -1, Message: failure.Error}, nil
	}

	if wrapped {
		var r Response
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &r, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("decode response: invalid json")
	}
	return &Response{Payload: raw}, nil
}
