// Package ticketing provides a Freshdesk API client for incident tickets.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Freshdesk ticket priorities.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

// Client is a Freshdesk API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config configures the Freshdesk client.
type Config struct {
	// Domain is the Freshdesk host, e.g. "acme.freshdesk.com".
	Domain string
	APIKey string
	// BaseURL overrides the URL derived from Domain.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New creates a new Freshdesk client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("freshdesk api key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Domain == "" {
			return nil, fmt.Errorf("freshdesk domain is required")
		}
		baseURL = "https://" + cfg.Domain + "/api/v2"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(zap.String("component", "ticketing")),
	}, nil
}

// Ticket is a Freshdesk ticket.
type Ticket struct {
	ID              int64  `json:"id"`
	Subject         string `json:"subject"`
	Description     string `json:"description"`
	DescriptionText string `json:"description_text"`
	Status          int    `json:"status"`
	Priority        int    `json:"priority"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Body returns the ticket description, preferring the HTML-free form.
func (t *Ticket) Body() string {
	if t.DescriptionText != "" {
		return t.DescriptionText
	}
	return t.Description
}

// GetTicket retrieves a ticket by ID.
func (c *Client) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	var ticket Ticket
	if err := c.do(ctx, http.MethodGet, "/tickets/"+ticketID, nil, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// ListOpenTickets returns new and open tickets assigned to the API key's agent.
func (c *Client) ListOpenTickets(ctx context.Context) ([]Ticket, error) {
	var tickets []Ticket
	if err := c.do(ctx, http.MethodGet, "/tickets?filter=new_and_my_open", nil, &tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

// SetStatus updates a ticket's status code.
func (c *Client) SetStatus(ctx context.Context, ticketID string, status int) error {
	body := map[string]int{"status": status}
	if err := c.do(ctx, http.MethodPut, "/tickets/"+ticketID, body, nil); err != nil {
		return err
	}
	c.logger.Info("ticket status updated",
		zap.String("ticket_id", ticketID),
		zap.Int("status", status),
	)
	return nil
}

// APIError represents a Freshdesk API error.
type APIError struct {
	StatusCode  int    `json:"-"`
	Description string `json:"description"`
	Errors      []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"errors"`
}

func (e *APIError) Error() string {
	msg := e.Description
	if len(e.Errors) > 0 {
		msg = fmt.Sprintf("%s: %s %s", msg, e.Errors[0].Field, e.Errors[0].Message)
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("freshdesk error %d: %s", e.StatusCode, msg)
}

// do executes a request with authentication.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.apiKey, "X")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
