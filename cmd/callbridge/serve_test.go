package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentplexus/callbridge/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Twilio.AccountSID = "AC1"
	cfg.Twilio.AuthToken = "tok"
	cfg.Twilio.PhoneNumber = "+15550000000"
	cfg.Twilio.StreamURL = "wss://bridge.example.com/media-stream"
	cfg.Agent.APIKey = "dg"
	cfg.Dispatcher.Enabled = false
	return cfg
}

func TestNewApp_WithoutDispatcher(t *testing.T) {
	a, err := newApp(testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.dispatcher)
	assert.Nil(t, a.tickets)
	assert.NotNil(t, a.promReg)

	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ticketing_configured":false`)
}

func TestNewApp_DispatcherNeedsTicketing(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.Enabled = true
	_, err := newApp(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewApp_WithDispatcher(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.Enabled = true
	cfg.Ticketing.Domain = "example.freshdesk.com"
	cfg.Ticketing.APIKey = "fd"
	cfg.Extraction.APIKey = "groq"
	cfg.Metrics.Enabled = false

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.close()
	assert.NotNil(t, a.dispatcher)
	assert.Nil(t, a.promReg)

	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.MaxRetries = 5
	cfg.Telephony.GreetingDelay = 2 * time.Second

	ac := agentConfig(cfg)
	assert.Equal(t, "dg", ac.APIKey)
	assert.Equal(t, 5, ac.MaxRetries)
	assert.Equal(t, 8000, ac.TelephonyRate)
	assert.Equal(t, 2*time.Second, ac.GreetingDelay)
}

func TestCheckHealth(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
	}))
	defer ok.Close()
	assert.NoError(t, checkHealth(ok.URL))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.Error(t, checkHealth(down.URL))
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug", Format: "console"})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger = initLogger(config.LogConfig{Level: "warn", Format: "json", OutputPaths: []string{"stderr"}})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
}
