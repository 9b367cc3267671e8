// Package api is the client for the bookmark server's REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. A full bookmark list
	// is the largest payload the server sends.
	maxAPIResponseBytes = 16 * 1024 * 1024
)

// Session supplies the token and server URL for each request. It is read
// per request so a login takes effect without rebuilding the client.
type Session interface {
	Credentials() state.Credentials
}

// Client talks to the bookmark server.
type Client struct {
	httpClient *http.Client
	session    Session
	serverURL  string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. serverURL is used when the session
// does not carry one. If httpClient is nil, a client with a 30-second
// timeout and same-host redirect policy is created.
func NewClient(httpClient *http.Client, session Session, serverURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		session:    session,
		serverURL:  serverURL,
	}
}

// ServerURL returns the base URL requests go to, or "" if none is known.
func (c *Client) ServerURL() string {
	if u := c.session.Credentials().ServerURL; u != "" {
		return u
	}

	return c.serverURL
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus reports whether an HTTP status code indicates a
// temporary server condition worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(method, endpoint string, code int, body []byte) error {
	msg := sanitizeResponseBody(body)

	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = sanitizeResponseBody([]byte(apiErr.Error))
	}

	desc := fmt.Sprintf("API %s %s (%d): %s", method, endpoint, code, msg)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w", desc, apperrors.ErrUnauthorized)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", desc, apperrors.ErrNotFound)
	case isTransientStatus(code):
		return &TransientError{Err: fmt.Errorf("%s: %w", desc, apperrors.ErrNetwork)}
	default:
		return errors.New(desc)
	}
}

// do sends a JSON request with the session's bearer token and decodes
// the response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	creds := c.session.Credentials()
	if creds.Token == "" {
		return apperrors.ErrNotLoggedIn
	}

	base := c.ServerURL()
	if base == "" {
		return fmt.Errorf("no server URL configured: %w", apperrors.ErrNotLoggedIn)
	}

	return c.send(ctx, base, method, endpoint, creds.Token, body, result)
}

func (c *Client) send(ctx context.Context, base, method, endpoint, token string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w: %w", endpoint, apperrors.ErrNetwork, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w: %w", endpoint, apperrors.ErrNetwork, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, endpoint, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// ListBookmarks returns the whole collection.
func (c *Client) ListBookmarks(ctx context.Context) ([]Record, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/bookmarks", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing bookmarks: %w", err)
	}

	return resp.Bookmarks, nil
}

// SearchByURL returns the record with exactly this URL, or nil.
func (c *Client) SearchByURL(ctx context.Context, rawURL string) (*Record, error) {
	var resp listResponse

	endpoint := "/bookmarks/search?url=" + url.QueryEscape(rawURL)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("searching bookmark: %w", err)
	}

	for i := range resp.Bookmarks {
		if resp.Bookmarks[i].URL == rawURL {
			return &resp.Bookmarks[i], nil
		}
	}

	return nil, nil
}

// CreateBookmark adds a record.
func (c *Client) CreateBookmark(ctx context.Context, in BookmarkInput) (*Record, error) {
	var resp bookmarkResponse
	if err := c.do(ctx, http.MethodPost, "/bookmarks", in, &resp); err != nil {
		return nil, fmt.Errorf("creating bookmark: %w", err)
	}

	return &resp.Bookmark, nil
}

// UpdateBookmark replaces the record with the given id.
func (c *Client) UpdateBookmark(ctx context.Context, id RecordID, in BookmarkInput) (*Record, error) {
	var resp bookmarkResponse
	if err := c.do(ctx, http.MethodPut, "/bookmarks/"+url.PathEscape(string(id)), in, &resp); err != nil {
		return nil, fmt.Errorf("updating bookmark %s: %w", id, err)
	}

	return &resp.Bookmark, nil
}

// DeleteBookmark removes the record with the given id.
func (c *Client) DeleteBookmark(ctx context.Context, id RecordID) error {
	var resp messageResponse
	if err := c.do(ctx, http.MethodDelete, "/bookmarks/"+url.PathEscape(string(id)), nil, &resp); err != nil {
		return fmt.Errorf("deleting bookmark %s: %w", id, err)
	}

	return nil
}

// Verify checks that the session token is still accepted.
func (c *Client) Verify(ctx context.Context) (*User, error) {
	var resp verifyResponse
	if err := c.do(ctx, http.MethodGet, "/auth/verify", nil, &resp); err != nil {
		return nil, fmt.Errorf("verifying session: %w", err)
	}

	if !resp.Valid {
		return nil, fmt.Errorf("verifying session: %w", apperrors.ErrUnauthorized)
	}

	return &resp.User, nil
}

// Login exchanges an email and password for a token. It needs no session.
func (c *Client) Login(ctx context.Context, serverURL, email, password string) (string, *User, error) {
	if serverURL == "" {
		serverURL = c.ServerURL()
	}

	if serverURL == "" {
		return "", nil, fmt.Errorf("logging in: no server URL configured")
	}

	var resp loginResponse
	if err := c.send(ctx, serverURL, http.MethodPost, "/auth/login", "", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return "", nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.Token == "" {
		return "", nil, fmt.Errorf("logging in: server returned no token")
	}

	return resp.Token, &resp.User, nil
}
