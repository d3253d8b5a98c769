// Package client provides the Twilio REST calls used to place and end calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentplexus/callbridge"
)

// DefaultBaseURL is the Twilio REST API root.
const DefaultBaseURL = callbridge.DefaultTwilioAPIBaseURL

// Client is a Twilio API client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Twilio client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("twilio client config is required")
	}
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio auth token is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Call represents a Twilio call resource.
type Call struct {
	SID         string `json:"sid"`
	AccountSID  string `json:"account_sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	AnsweredBy  string `json:"answered_by"`
	DateCreated string `json:"date_created"`
}

// MakeCallParams are parameters for placing a call.
type MakeCallParams struct {
	To   string
	From string
	// URL is fetched for TwiML when the call connects; Method defaults to POST.
	URL    string
	Method string
	Twiml  string

	StatusCallback       string
	StatusCallbackMethod string
	StatusCallbackEvent  []string

	MachineDetection string // "Enable" or "DetectMessageEnd"
	Timeout          int    // ring timeout in seconds
}

func (p *MakeCallParams) values() (url.Values, error) {
	if p.To == "" || p.From == "" {
		return nil, errors.New("to and from are required")
	}
	if p.URL == "" && p.Twiml == "" {
		return nil, errors.New("either url or twiml is required")
	}

	data := url.Values{}
	data.Set("To", p.To)
	data.Set("From", p.From)
	if p.URL != "" {
		data.Set("Url", p.URL)
		if p.Method != "" {
			data.Set("Method", p.Method)
		}
	}
	if p.Twiml != "" {
		data.Set("Twiml", p.Twiml)
	}
	if p.StatusCallback != "" {
		data.Set("StatusCallback", p.StatusCallback)
		if p.StatusCallbackMethod != "" {
			data.Set("StatusCallbackMethod", p.StatusCallbackMethod)
		}
		for _, event := range p.StatusCallbackEvent {
			data.Add("StatusCallbackEvent", event)
		}
	}
	if p.MachineDetection != "" {
		data.Set("MachineDetection", p.MachineDetection)
	}
	if p.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(p.Timeout))
	}
	return data, nil
}

// MakeCall initiates an outbound call.
func (c *Client) MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error) {
	data, err := params.values()
	if err != nil {
		return nil, fmt.Errorf("invalid call parameters: %w", err)
	}

	var call Call
	if err := c.post(ctx, c.callsURL(""), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall retrieves a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.get(ctx, c.callsURL(callSID), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// UpdateCallParams are parameters for updating a call.
type UpdateCallParams struct {
	URL    string
	Twiml  string
	Status string // "completed" hangs up, "canceled" cancels a queued call
}

// UpdateCall modifies an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, params *UpdateCallParams) (*Call, error) {
	data := url.Values{}
	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.Status != "" {
		data.Set("Status", params.Status)
	}

	var call Call
	if err := c.post(ctx, c.callsURL(callSID), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends a call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	return c.UpdateCall(ctx, callSID, &UpdateCallParams{Status: "completed"})
}

func (c *Client) callsURL(callSID string) string {
	if callSID == "" {
		return fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	}
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))
}

// Error represents a Twilio API error.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (c *Client) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

// post performs a POST request with form data.
func (c *Client) post(ctx context.Context, url string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

// do executes a request with authentication.
func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read twilio response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
