// Package notify delivers incident alerts to a team messaging channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultSlackAPIURL is the Slack Web API base URL.
const DefaultSlackAPIURL = "https://slack.com/api"

// Config configures a WebhookNotifier. Either WebhookURL, or Token together
// with Channel, must be set; the bot token path is used when both are.
type Config struct {
	WebhookURL string
	Token      string
	Channel    string
	APIBaseURL string
	HTTPClient *http.Client
}

// WebhookNotifier posts plain-text messages to a Slack-compatible channel.
type WebhookNotifier struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a notifier.
func NewWebhookNotifier(cfg Config, logger *zap.Logger) (*WebhookNotifier, error) {
	if cfg.WebhookURL == "" && (cfg.Token == "" || cfg.Channel == "") {
		return nil, fmt.Errorf("webhook url or token and channel are required")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultSlackAPIURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		cfg:    cfg,
		http:   client,
		logger: logger.With(zap.String("component", "notify")),
	}, nil
}

// Notify sends text and reports whether it was accepted. Failures are logged.
func (n *WebhookNotifier) Notify(ctx context.Context, text string) bool {
	var err error
	if n.cfg.Token != "" && n.cfg.Channel != "" {
		err = n.postMessage(ctx, text)
	} else {
		err = n.postWebhook(ctx, text)
	}
	if err != nil {
		n.logger.Warn("notification failed", zap.Error(err))
		return false
	}
	n.logger.Info("notification sent")
	return true
}

func (n *WebhookNotifier) postWebhook(ctx context.Context, text string) error {
	res, err := n.post(ctx, n.cfg.WebhookURL, "", map[string]any{"text": text})
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, string(body))
	}
	return nil
}

func (n *WebhookNotifier) postMessage(ctx context.Context, text string) error {
	res, err := n.post(ctx, n.cfg.APIBaseURL+"/chat.postMessage", n.cfg.Token, map[string]any{
		"channel": n.cfg.Channel,
		"text":    text,
	})
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "slack api error"
		}
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, url, token string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	return n.http.Do(req)
}

// LogNotifier writes alerts to the log instead of a channel. It is used when
// no channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notify"))}
}

// Notify logs text and always succeeds.
func (n *LogNotifier) Notify(_ context.Context, text string) bool {
	n.logger.Info("notification", zap.String("text", text))
	return true
}
