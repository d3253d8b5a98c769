// Package config loads callbridge configuration.
//
// Values are resolved in order: defaults, then a YAML file, then
// environment variables named after the struct's env tags under the
// CALLBRIDGE prefix, e.g. CALLBRIDGE_AGENT_API_KEY.
package config

import (
	"time"

	"github.com/agentplexus/callbridge"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Twilio     TwilioConfig     `yaml:"twilio" env:"TWILIO"`
	Agent      AgentConfig      `yaml:"agent" env:"AGENT"`
	Telephony  TelephonyConfig  `yaml:"telephony" env:"TELEPHONY"`
	Ticketing  TicketingConfig  `yaml:"ticketing" env:"TICKETING"`
	Extraction ExtractionConfig `yaml:"extraction" env:"EXTRACTION"`
	Notify     NotifyConfig     `yaml:"notify" env:"NOTIFY"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" env:"DISPATCHER"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
}

// ServerConfig configures the HTTP listener that serves webhooks and the
// media stream endpoint.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TwilioConfig configures call placement.
type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid" env:"ACCOUNT_SID"`
	AuthToken   string `yaml:"auth_token" env:"AUTH_TOKEN"`
	PhoneNumber string `yaml:"phone_number" env:"PHONE_NUMBER"`
	BaseURL     string `yaml:"base_url" env:"BASE_URL"`
	// WebhookURL is the public URL of /twilio/incoming.
	WebhookURL        string `yaml:"webhook_url" env:"WEBHOOK_URL"`
	StatusCallbackURL string `yaml:"status_callback_url" env:"STATUS_CALLBACK_URL"`
	// StreamURL is the public wss:// URL of /media-stream.
	StreamURL   string        `yaml:"stream_url" env:"STREAM_URL"`
	RingTimeout time.Duration `yaml:"ring_timeout" env:"RING_TIMEOUT"`
}

// AgentConfig configures voice agent sessions.
type AgentConfig struct {
	URL           string `yaml:"url" env:"URL"`
	APIKey        string `yaml:"api_key" env:"API_KEY"`
	Language      string `yaml:"language" env:"LANGUAGE"`
	ListenModel   string `yaml:"listen_model" env:"LISTEN_MODEL"`
	ThinkProvider string `yaml:"think_provider" env:"THINK_PROVIDER"`
	ThinkModel    string `yaml:"think_model" env:"THINK_MODEL"`
	SpeakModel    string `yaml:"speak_model" env:"SPEAK_MODEL"`
	// Prompt replaces the built-in system prompt when set.
	Prompt       string `yaml:"prompt" env:"PROMPT"`
	AgentName    string `yaml:"agent_name" env:"AGENT_NAME"`
	Organization string `yaml:"organization" env:"ORGANIZATION"`

	InputRate  int `yaml:"input_rate" env:"INPUT_RATE"`
	OutputRate int `yaml:"output_rate" env:"OUTPUT_RATE"`

	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	HandshakePoll     time.Duration `yaml:"handshake_poll" env:"HANDSHAKE_POLL"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" env:"KEEP_ALIVE_INTERVAL"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	FunctionTimeout   time.Duration `yaml:"function_timeout" env:"FUNCTION_TIMEOUT"`
	TicketTimeout     time.Duration `yaml:"ticket_timeout" env:"TICKET_TIMEOUT"`
}

// TelephonyConfig configures the Media Streams leg.
type TelephonyConfig struct {
	SampleRate    int           `yaml:"sample_rate" env:"SAMPLE_RATE"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout" env:"READY_TIMEOUT"`
	GreetingDelay time.Duration `yaml:"greeting_delay" env:"GREETING_DELAY"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// TicketingConfig configures the Freshdesk client.
type TicketingConfig struct {
	Domain  string        `yaml:"domain" env:"DOMAIN"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ExtractionConfig configures incident extraction from ticket text.
type ExtractionConfig struct {
	APIKey    string        `yaml:"api_key" env:"API_KEY"`
	BaseURL   string        `yaml:"base_url" env:"BASE_URL"`
	Model     string        `yaml:"model" env:"MODEL"`
	MaxTokens int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// NotifyConfig configures where emergency alerts are posted. With nothing
// set, alerts are only logged.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" env:"WEBHOOK_URL"`
	Token      string `yaml:"token" env:"TOKEN"`
	Channel    string `yaml:"channel" env:"CHANNEL"`
	APIBaseURL string `yaml:"api_base_url" env:"API_BASE_URL"`
}

// DispatcherConfig configures ticket polling.
type DispatcherConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	DedupeTTL    time.Duration `yaml:"dedupe_ttl" env:"DEDUPE_TTL"`
	CallSpacing  time.Duration `yaml:"call_spacing" env:"CALL_SPACING"`
}

// RedisConfig configures shared ticket dedupe. An empty Addr keeps dedupe
// in memory.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Path      string `yaml:"path" env:"PATH"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Twilio: TwilioConfig{
			BaseURL:     callbridge.DefaultTwilioAPIBaseURL,
			RingTimeout: 60 * time.Second,
		},
		Agent: AgentConfig{
			URL:               callbridge.DefaultAgentURL,
			Language:          "en",
			ListenModel:       "nova-2",
			ThinkProvider:     "open_ai",
			ThinkModel:        "gpt-4o-mini",
			SpeakModel:        "aura-2-andromeda-en",
			AgentName:         "Zain",
			Organization:      "Safe City Authority",
			InputRate:         callbridge.DefaultAgentInputRate,
			OutputRate:        callbridge.DefaultAgentOutputRate,
			MaxRetries:        3,
			RetryBackoff:      2 * time.Second,
			HandshakeTimeout:  15 * time.Second,
			HandshakePoll:     time.Second,
			KeepAliveInterval: 10 * time.Second,
			WriteTimeout:      10 * time.Second,
			FunctionTimeout:   30 * time.Second,
			TicketTimeout:     10 * time.Second,
		},
		Telephony: TelephonyConfig{
			SampleRate:    callbridge.TelephonySampleRate,
			ReadyTimeout:  20 * time.Second,
			GreetingDelay: time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Ticketing: TicketingConfig{
			Timeout: 30 * time.Second,
		},
		Extraction: ExtractionConfig{
			BaseURL:   "https://api.groq.com/openai",
			Model:     "llama3-8b-8192",
			MaxTokens: 300,
			Timeout:   30 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
			DedupeTTL:    300 * time.Second,
			CallSpacing:  5 * time.Second,
		},
		Redis: RedisConfig{
			KeyPrefix: "callbridge:ticket:",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "callbridge",
			Path:      "/metrics",
		},
	}
}
