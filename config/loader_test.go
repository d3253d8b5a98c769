package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Twilio.AccountSID = "AC1"
	cfg.Twilio.AuthToken = "tok"
	cfg.Twilio.PhoneNumber = "+15550000000"
	cfg.Twilio.WebhookURL = "https://bridge.example.com/twilio/incoming"
	cfg.Twilio.StreamURL = "wss://bridge.example.com/media-stream"
	cfg.Agent.APIKey = "dg"
	cfg.Ticketing.Domain = "example.freshdesk.com"
	cfg.Ticketing.APIKey = "fd"
	cfg.Extraction.APIKey = "groq"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Second, cfg.Agent.HandshakeTimeout)
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
	assert.Equal(t, 48000, cfg.Agent.InputRate)
	assert.Equal(t, 16000, cfg.Agent.OutputRate)
	assert.Equal(t, 8000, cfg.Telephony.SampleRate)
	assert.Equal(t, 20*time.Second, cfg.Telephony.ReadyTimeout)
	assert.Equal(t, 10*time.Second, cfg.Agent.WriteTimeout)
	assert.Equal(t, 10*time.Second, cfg.Telephony.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.Dispatcher.DedupeTTL)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
twilio:
  account_sid: AC-file
  auth_token: tok
  phone_number: "+15550000000"
  stream_url: wss://bridge.example.com/media-stream
agent:
  api_key: from-file
  handshake_timeout: 5s
dispatcher:
  enabled: false
log:
  format: console
`), 0o600))

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithEnvLookup(envMap(map[string]string{
			"CALLBRIDGE_AGENT_API_KEY":           "from-env",
			"CALLBRIDGE_AGENT_MAX_RETRIES":       "5",
			"CALLBRIDGE_TELEPHONY_READY_TIMEOUT": "30s",
			"CALLBRIDGE_LOG_OUTPUT_PATHS":        "stdout, /var/log/callbridge.log",
			"CALLBRIDGE_METRICS_ENABLED":         "false",
		})).
		Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "AC-file", cfg.Twilio.AccountSID)
	assert.Equal(t, "from-env", cfg.Agent.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Agent.HandshakeTimeout)
	assert.Equal(t, 5, cfg.Agent.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Telephony.ReadyTimeout)
	assert.Equal(t, []string{"stdout", "/var/log/callbridge.log"}, cfg.Log.OutputPaths)
	assert.False(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Dispatcher.Enabled)
	// Untouched defaults survive.
	assert.Equal(t, 10*time.Second, cfg.Agent.KeepAliveInterval)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithEnvLookup(envMap(nil)).
		WithoutValidation().
		Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_BadEnvValue(t *testing.T) {
	_, err := NewLoader().
		WithEnvLookup(envMap(map[string]string{"CALLBRIDGE_AGENT_RETRY_BACKOFF": "soon"})).
		WithoutValidation().
		Load()
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

	_, err := NewLoader().WithConfigPath(path).WithEnvLookup(envMap(nil)).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing credentials", func(c *Config) { c.Twilio.AuthToken = "" }},
		{"non e164 number", func(c *Config) { c.Twilio.PhoneNumber = "5550000000" }},
		{"webhook path", func(c *Config) { c.Twilio.WebhookURL = "https://bridge.example.com/incoming" }},
		{"missing stream url", func(c *Config) { c.Twilio.StreamURL = "" }},
		{"http stream url", func(c *Config) { c.Twilio.StreamURL = "https://bridge.example.com/media-stream" }},
		{"missing agent key", func(c *Config) { c.Agent.APIKey = "" }},
		{"zero rate", func(c *Config) { c.Agent.InputRate = 0 }},
		{"zero retries", func(c *Config) { c.Agent.MaxRetries = 0 }},
		{"dispatcher without ticketing", func(c *Config) { c.Ticketing.APIKey = "" }},
		{"dispatcher without extraction", func(c *Config) { c.Extraction.APIKey = "" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := validConfig()
	cfg.Dispatcher.Enabled = false
	cfg.Ticketing = TicketingConfig{}
	cfg.Extraction.APIKey = ""
	assert.NoError(t, cfg.Validate())
}
