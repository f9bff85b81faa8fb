// Package client is a Go SDK for the mainframe-engine API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/terra-clan/mainframe-engine/internal/models"
)

// Client is a Go SDK for the mainframe-engine API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new mainframe-engine client
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListOptions contains options for listing sessions
type ListOptions struct {
	Campaign string
	PlayerID string
	Status   string
	Limit    int
	Offset   int
}

// envelope is the standard API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateSession starts a new play session
func (c *Client) CreateSession(ctx context.Context, campaign, playerID string) (*models.Session, error) {
	body, err := json.Marshal(models.CreateSessionRequest{
		Campaign: campaign,
		PlayerID: playerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var sess models.Session
	if err := c.call(ctx, "POST", "/api/v1/sessions", bytes.NewReader(body), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession retrieves a session with its per-level progression
func (c *Client) GetSession(ctx context.Context, id string) (*models.SessionView, error) {
	var view models.SessionView
	if err := c.call(ctx, "GET", fmt.Sprintf("/api/v1/sessions/%s", id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListSessions retrieves sessions matching the options
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	path := "/api/v1/sessions?"
	if opts.Campaign != "" {
		path += fmt.Sprintf("campaign=%s&", opts.Campaign)
	}
	if opts.PlayerID != "" {
		path += fmt.Sprintf("player_id=%s&", opts.PlayerID)
	}
	if opts.Status != "" {
		path += fmt.Sprintf("status=%s&", opts.Status)
	}
	if opts.Limit > 0 {
		path += fmt.Sprintf("limit=%d&", opts.Limit)
	}
	if opts.Offset > 0 {
		path += fmt.Sprintf("offset=%d&", opts.Offset)
	}

	var data struct {
		Sessions []*models.Session `json:"sessions"`
		Total    int               `json:"total"`
	}
	if err := c.call(ctx, "GET", path, nil, &data); err != nil {
		return nil, err
	}
	return data.Sessions, nil
}

// EndSession closes a session
func (c *Client) EndSession(ctx context.Context, id string) error {
	return c.call(ctx, "DELETE", fmt.Sprintf("/api/v1/sessions/%s", id), nil, nil)
}

// Results retrieves the attempt history of a session
func (c *Client) Results(ctx context.Context, id string) ([]*models.LevelResult, error) {
	var data struct {
		Results []*models.LevelResult `json:"results"`
		Total   int                   `json:"total"`
	}
	if err := c.call(ctx, "GET", fmt.Sprintf("/api/v1/sessions/%s/results", id), nil, &data); err != nil {
		return nil, err
	}
	return data.Results, nil
}

// StartLevel begins (or retries) a level attempt
func (c *Client) StartLevel(ctx context.Context, id string, levelID int) (*models.SessionView, error) {
	var view models.SessionView
	path := fmt.Sprintf("/api/v1/sessions/%s/levels/%d/start", id, levelID)
	if err := c.call(ctx, "POST", path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Acquire reports a completed program in a running level
func (c *Client) Acquire(ctx context.Context, id string, levelID int, command, class string) (*models.SessionView, error) {
	body, err := json.Marshal(models.AcquireRequest{Command: command, Class: class})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var view models.SessionView
	path := fmt.Sprintf("/api/v1/sessions/%s/levels/%d/acquire", id, levelID)
	if err := c.call(ctx, "POST", path, bytes.NewReader(body), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Penalize shaves seconds off a running level's budget
func (c *Client) Penalize(ctx context.Context, id string, levelID, seconds int) (*models.SessionView, error) {
	body, err := json.Marshal(models.PenaltyRequest{Seconds: seconds})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var view models.SessionView
	path := fmt.Sprintf("/api/v1/sessions/%s/levels/%d/penalty", id, levelID)
	if err := c.call(ctx, "POST", path, bytes.NewReader(body), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListCampaigns retrieves all loaded campaigns
func (c *Client) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	var data struct {
		Campaigns []*models.Campaign `json:"campaigns"`
		Total     int                `json:"total"`
	}
	if err := c.call(ctx, "GET", "/api/v1/campaigns", nil, &data); err != nil {
		return nil, err
	}
	return data.Campaigns, nil
}

// GetCampaign retrieves a campaign by name
func (c *Client) GetCampaign(ctx context.Context, name string) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := c.call(ctx, "GET", fmt.Sprintf("/api/v1/campaigns/%s", name), nil, &campaign); err != nil {
		return nil, err
	}
	return &campaign, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/health", nil)
	return err
}

// call performs a request and decodes the enveloped response into out
func (c *Client) call(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	var result envelope
	if err := json.Unmarshal(resp, &result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("API error: %s - %s", result.Error.Code, result.Error.Message)
	}

	if out != nil {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response data: %w", err)
		}
	}

	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
