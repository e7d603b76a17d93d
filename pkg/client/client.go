package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ao/litestack/pkg/api"
)

// Client is a LiteStack API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the timeout for the HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken sets the authentication token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Error is a non-2xx response from the API
type Error struct {
	StatusCode int
	Body       api.Error
}

func (e *Error) Error() string {
	if e.Body.NeedsManualCleanup {
		return fmt.Sprintf("API error: %d - %s (needs manual cleanup: %v)", e.StatusCode, e.Body.Message, e.Body.Resources)
	}
	return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Body.Message)
}

// NewClient creates a new LiteStack API client
func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Me returns the authenticated user
func (c *Client) Me(ctx context.Context) (*api.User, error) {
	var user api.User
	if err := c.do(ctx, http.MethodGet, "/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUser registers a user. Requires a superuser token.
func (c *Client) CreateUser(ctx context.Context, req api.CreateUserRequest) (*api.CreateUserResponse, error) {
	var resp api.CreateUserResponse
	if err := c.do(ctx, http.MethodPost, "/users", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListServers returns the caller's servers
func (c *Client) ListServers(ctx context.Context) ([]api.Server, error) {
	var list []api.Server
	if err := c.do(ctx, http.MethodGet, "/servers", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetServer returns one server
func (c *Client) GetServer(ctx context.Context, id string) (*api.Server, error) {
	var server api.Server
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(id), nil, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

// CreateServer provisions a server from a configuration
func (c *Client) CreateServer(ctx context.Context, req api.CreateServerRequest) (*api.Server, error) {
	var server api.Server
	if err := c.do(ctx, http.MethodPost, "/servers", req, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

// UpdateServer renames a server or changes its description
func (c *Client) UpdateServer(ctx context.Context, id string, req api.UpdateServerRequest) (*api.Server, error) {
	var server api.Server
	if err := c.do(ctx, http.MethodPatch, "/servers/"+url.PathEscape(id), req, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

// DeleteServer deletes a server
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(id), nil, nil)
}

// SetServerState applies a lifecycle action such as reboot
func (c *Client) SetServerState(ctx context.Context, id, action string) error {
	return c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(id)+"/state", api.StateRequest{Action: action}, nil)
}

// RunCommand queues a catalog command and returns the job id
func (c *Client) RunCommand(ctx context.Context, id, command, action string) (string, error) {
	var resp api.CommandResponse
	req := api.CommandRequest{Command: command, Action: action}
	if err := c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(id)+"/commands", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// ConsoleURL returns a remote console URL for a server
func (c *Client) ConsoleURL(ctx context.Context, id string) (string, error) {
	var resp api.ConsoleResponse
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(id)+"/console", nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// ListConfigurations returns the server configuration templates
func (c *Client) ListConfigurations(ctx context.Context) ([]api.Configuration, error) {
	var list []api.Configuration
	if err := c.do(ctx, http.MethodGet, "/configurations", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Catalog returns the installable software
func (c *Client) Catalog(ctx context.Context) ([]api.CatalogEntry, error) {
	var list []api.CatalogEntry
	if err := c.do(ctx, http.MethodGet, "/catalog", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Limits returns the account quota usage
func (c *Client) Limits(ctx context.Context) (*api.Limits, error) {
	var limits api.Limits
	if err := c.do(ctx, http.MethodGet, "/limits", nil, &limits); err != nil {
		return nil, err
	}
	return &limits, nil
}

// do sends a JSON request and decodes the response into out when set
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &Error{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			return nil, fmt.Errorf("HTTP error: %s", resp.Status)
		}
		return nil, apiErr
	}

	return resp, nil
}
