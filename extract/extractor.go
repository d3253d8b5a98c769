// Package extract turns free-text incident tickets into structured incident
// fields using an OpenAI-compatible chat completions endpoint (Groq by default).
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults for the Groq endpoint.
const (
	DefaultBaseURL      = "https://api.groq.com/openai"
	DefaultModel        = "llama3-8b-8192"
	DefaultEndpointPath = "/v1/chat/completions"
)

const promptTemplate = `Extract emergency info from this ticket and return ONLY clean JSON:

Subject: %s
Description: %s

Return JSON with these exact keys:
{
    "phone_number": "any numeric number written against 'phone:' key word is phone number",
    "incident_type": "fire/accident/robbery/medical/etc",
    "address": "complete address",
    "priority": 1-4 (1=Critical, 4=Low),
    "confidence_score": 0.0-1.0,
    "image_urls": ["array of URLs"]
}`

// Incident is the structured result of an extraction.
type Incident struct {
	PhoneNumber     string   `json:"phone_number"`
	IncidentType    string   `json:"incident_type"`
	Address         string   `json:"address"`
	Priority        int      `json:"priority"`
	ConfidenceScore float64  `json:"confidence_score"`
	ImageURLs       []string `json:"image_urls"`
}

// UnmarshalJSON accepts numeric phone numbers and string priorities, both of
// which models produce.
func (i *Incident) UnmarshalJSON(data []byte) error {
	var raw struct {
		PhoneNumber     any      `json:"phone_number"`
		IncidentType    string   `json:"incident_type"`
		Address         string   `json:"address"`
		Priority        any      `json:"priority"`
		ConfidenceScore any      `json:"confidence_score"`
		ImageURLs       []string `json:"image_urls"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	i.IncidentType = raw.IncidentType
	i.Address = raw.Address
	i.ImageURLs = raw.ImageURLs
	i.PhoneNumber = stringValue(raw.PhoneNumber)
	i.Priority = int(floatValue(raw.Priority))
	i.ConfidenceScore = floatValue(raw.ConfidenceScore)
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func floatValue(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// Config configures the extractor.
type Config struct {
	APIKey       string
	BaseURL      string
	EndpointPath string
	Model        string
	Timeout      time.Duration
	MaxTokens    int
	HTTPClient   *http.Client
}

// Extractor calls the chat completions endpoint.
type Extractor struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an extractor.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("extraction api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = DefaultEndpointPath
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 300
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "extract")),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Extract asks the model for the incident fields of a ticket.
func (e *Extractor) Extract(ctx context.Context, subject, description string) (*Incident, error) {
	body := chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{{
			Role:    "user",
			Content: fmt.Sprintf(promptTemplate, subject, description),
		}},
		ResponseFormat: map[string]string{"type": "json_object"},
		Temperature:    0,
		MaxTokens:      e.cfg.MaxTokens,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + e.cfg.EndpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("extraction failed: status=%d msg=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("extraction returned no choices")
	}

	var incident Incident
	if err := json.Unmarshal([]byte(cr.Choices[0].Message.Content), &incident); err != nil {
		return nil, fmt.Errorf("model returned invalid json: %w", err)
	}

	e.logger.Debug("incident extracted",
		zap.String("incident_type", incident.IncidentType),
		zap.Int("priority", incident.Priority),
	)
	return &incident, nil
}
