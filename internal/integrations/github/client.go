// Package github provides a minimal GitHub REST client for status comments
// and Actions OIDC tokens.
package github

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
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAPIURL = "https://api.github.com"

// ErrNotFound is returned when GitHub answers 404.
var ErrNotFound = errors.New("github: not found")

// APIError is a non-success response from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github: status %d", e.StatusCode)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Comment is an issue or pull request comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client is a minimal GitHub API client.
type Client struct {
	hc      *http.Client
	baseURL string
	token   string
	app     *appAuth
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API root, e.g. for GitHub Enterprise or tests.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithToken authenticates requests with a personal or Actions token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithInstallation authenticates as a GitHub App installation.
// Installation tokens are minted on demand and cached until shortly before expiry.
func WithInstallation(appID int64, privateKeyPEM string, installationID int64) Option {
	return func(c *Client) {
		c.app = &appAuth{appID: appID, privateKeyPEM: privateKeyPEM, installationID: installationID}
	}
}

// NewClient creates a new GitHub API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL: defaultAPIURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListIssueComments returns every comment on an issue or pull request.
func (c *Client) ListIssueComments(ctx context.Context, repo string, number int) ([]Comment, error) {
	var all []Comment
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100&page=%d", repo, number, page)
		var batch []Comment
		if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			return all, nil
		}
	}
}

// CreateIssueComment posts a new comment.
func (c *Client) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, http.StatusCreated, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// UpdateIssueComment replaces a comment's body. A deleted comment yields ErrNotFound.
func (c *Client) UpdateIssueComment(ctx context.Context, repo string, id int64, body string) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/repos/%s/issues/comments/%d", repo, id)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, http.StatusOK, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// FetchIDToken requests an OIDC token from the Actions runtime.
// requestURL and requestToken come from ACTIONS_ID_TOKEN_REQUEST_URL and
// ACTIONS_ID_TOKEN_REQUEST_TOKEN.
func (c *Client) FetchIDToken(ctx context.Context, requestURL, requestToken, audience string) (string, error) {
	if requestURL == "" || requestToken == "" {
		return "", errors.New("github: OIDC request URL and token are required; grant the workflow id-token: write")
	}

	u, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("github: parsing OIDC request URL: %w", err)
	}
	if audience != "" {
		q := u.Query()
		q.Set("audience", audience)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+requestToken)
	req.Header.Set("Accept", "application/json; api-version=2.0")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var tokenResp struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}
	if tokenResp.Value == "" {
		return "", errors.New("github: OIDC response contained no token")
	}
	return tokenResp.Value, nil
}

// GenerateInstallationToken generates an access token for a specific installation.
func (c *Client) GenerateInstallationToken(ctx context.Context, appID int64, privateKeyPEM string, installationID int64) (string, time.Time, error) {
	// 1. Create JWT
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parsing private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": fmt.Sprintf("%d", appID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing jwt: %w", err)
	}

	// 2. Exchange JWT for installation token
	apiURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}

	req.Header.Set("Authorization", "Bearer "+signedToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("failed to get installation token: %w", decodeError(resp))
	}

	var tokenResp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, err
	}

	return tokenResp.Token, tokenResp.ExpiresAt, nil
}

// appAuth caches the installation token for App authentication.
type appAuth struct {
	appID          int64
	privateKeyPEM  string
	installationID int64

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (c *Client) authToken(ctx context.Context) (string, error) {
	if c.app == nil {
		return c.token, nil
	}

	c.app.mu.Lock()
	defer c.app.mu.Unlock()

	if c.app.token != "" && time.Until(c.app.expiresAt) > time.Minute {
		return c.app.token, nil
	}
	token, expiresAt, err := c.GenerateInstallationToken(ctx, c.app.appID, c.app.privateKeyPEM, c.app.installationID)
	if err != nil {
		return "", err
	}
	c.app.token, c.app.expiresAt = token, expiresAt
	return token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		payload.Message = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Message}
}
