package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/functions"
)

func TestGreeting(t *testing.T) {
	cfg := DefaultConfig()

	text := Greeting(callbridge.SessionContext{IncidentType: "fire", Address: "123 Main St", ConfidenceScore: 0.95}, cfg)
	assert.Contains(t, text, "fire")
	assert.Contains(t, text, "123 Main St")
	assert.Contains(t, text, "95%")

	text = Greeting(callbridge.SessionContext{PhoneNumber: "+15551234567"}, cfg)
	assert.Contains(t, text, "security incident")
	assert.Contains(t, text, "unknown location")
	assert.Contains(t, text, "80%")

	text = Greeting(callbridge.SessionContext{}, cfg)
	assert.Contains(t, text, "May I have your name?")
	assert.NotContains(t, text, "detected")
}

func TestBuildSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputRate = 24000
	defs := []functions.Definition{{Name: "send_notification"}}
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	st := BuildSettings(cfg, defs, now)
	data, err := json.Marshal(st)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Settings", decoded["type"])

	audio := decoded["audio"].(map[string]any)
	assert.Equal(t, float64(24000), audio["input"].(map[string]any)["sample_rate"])
	assert.Equal(t, "none", audio["output"].(map[string]any)["container"])

	think := decoded["agent"].(map[string]any)["think"].(map[string]any)
	assert.Contains(t, think["prompt"], "Current date: Friday, October 16, 2026")
	assert.Contains(t, think["prompt"], "Zain from Safe City Authority")
	assert.Len(t, think["functions"], 1)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{APIKey: "k", MaxRetries: 5}.withDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, callbridge.DefaultAgentURL, cfg.URL)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
	assert.Equal(t, 15*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, cfg.KeepAliveInterval)
}

func TestFunctionInput(t *testing.T) {
	params, err := functionInput(nil)
	require.NoError(t, err)
	assert.Empty(t, params)

	params, err = functionInput(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), params["a"])

	params, err = functionInput(json.RawMessage(`"{\"a\":2}"`))
	require.NoError(t, err)
	assert.Equal(t, float64(2), params["a"])

	_, err = functionInput(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestSignal(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.Fired())
	assert.False(t, s.Wait(context.Background(), 10*time.Millisecond))

	s.Fire()
	s.Fire()
	assert.True(t, s.Fired())
	assert.True(t, s.Wait(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, NewSignal().Wait(ctx, time.Second))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_handshake", StateAwaitingHandshake.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.True(t, StateClosed.terminal())
	assert.False(t, StateClosing.terminal())
}
