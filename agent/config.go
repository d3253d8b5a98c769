package agent

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agentplexus/callbridge"
)

// DefaultPrompt is the system prompt. {agent}, {organization} and {date} are
// substituted when the settings message is built.
const DefaultPrompt = `You are {agent} from {organization} Emergency Response System.

Your role: Coordinate emergency responses for AI-detected incidents from surveillance cameras.

IMPORTANT: I will provide initial incident details via InjectAgentMessage. Your job is to:
- Keep your greetings and conversation lines clear and concise, avoid lengthy sentences.
1. Get the emergency responder's name and agency
2. Request a contact number for sending evidence images. When the responder gives a number, confirm it by repeating it and do not move on until they confirm it is correct.
3. Use the send_notification function to send incident details and images
4. Ask about their estimated response time
5. Close professionally

Keep each response under 40 words. Be professional, calm, and urgent.

When you get a contact number, immediately use the send_notification function with the incident details and image URLs.

Current date: {date}`

// Config configures voice agent sessions.
type Config struct {
	URL    string
	APIKey string

	Language      string
	ListenModel   string
	ThinkProvider string
	ThinkModel    string
	SpeakModel    string
	Prompt        string
	AgentName     string
	Organization  string

	// InputRate is the rate audio is sent to the agent at; OutputRate the
	// rate the agent speaks at.
	InputRate     int
	OutputRate    int
	TelephonyRate int

	MaxRetries        int
	RetryBackoff      time.Duration
	HandshakeTimeout  time.Duration
	HandshakePoll     time.Duration
	KeepAliveInterval time.Duration
	// WriteTimeout bounds each write to the agent, including the close frame.
	WriteTimeout    time.Duration
	GreetingDelay   time.Duration
	FunctionTimeout time.Duration
	TicketTimeout   time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		URL:               callbridge.DefaultAgentURL,
		Language:          "en",
		ListenModel:       "nova-2",
		ThinkProvider:     "open_ai",
		ThinkModel:        "gpt-4o-mini",
		SpeakModel:        "aura-2-andromeda-en",
		Prompt:            DefaultPrompt,
		AgentName:         "Zain",
		Organization:      "Safe City Authority",
		InputRate:         callbridge.DefaultAgentInputRate,
		OutputRate:        callbridge.DefaultAgentOutputRate,
		TelephonyRate:     callbridge.TelephonySampleRate,
		MaxRetries:        3,
		RetryBackoff:      2 * time.Second,
		HandshakeTimeout:  15 * time.Second,
		HandshakePoll:     time.Second,
		KeepAliveInterval: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		GreetingDelay:     500 * time.Millisecond,
		FunctionTimeout:   30 * time.Second,
		TicketTimeout:     10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.ListenModel == "" {
		c.ListenModel = d.ListenModel
	}
	if c.ThinkProvider == "" {
		c.ThinkProvider = d.ThinkProvider
	}
	if c.ThinkModel == "" {
		c.ThinkModel = d.ThinkModel
	}
	if c.SpeakModel == "" {
		c.SpeakModel = d.SpeakModel
	}
	if c.Prompt == "" {
		c.Prompt = d.Prompt
	}
	if c.AgentName == "" {
		c.AgentName = d.AgentName
	}
	if c.Organization == "" {
		c.Organization = d.Organization
	}
	if c.InputRate <= 0 {
		c.InputRate = d.InputRate
	}
	if c.OutputRate <= 0 {
		c.OutputRate = d.OutputRate
	}
	if c.TelephonyRate <= 0 {
		c.TelephonyRate = d.TelephonyRate
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HandshakePoll <= 0 {
		c.HandshakePoll = d.HandshakePoll
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.GreetingDelay <= 0 {
		c.GreetingDelay = d.GreetingDelay
	}
	if c.FunctionTimeout <= 0 {
		c.FunctionTimeout = d.FunctionTimeout
	}
	if c.TicketTimeout <= 0 {
		c.TicketTimeout = d.TicketTimeout
	}
	return c
}

func (c Config) prompt(now time.Time) string {
	return strings.NewReplacer(
		"{agent}", c.AgentName,
		"{organization}", c.Organization,
		"{date}", now.Format("Monday, January 02, 2006"),
	).Replace(c.Prompt)
}

// Greeting returns the opening line the agent speaks for a call.
func Greeting(sctx callbridge.SessionContext, cfg Config) string {
	intro := fmt.Sprintf("Hello, this is %s from %s Emergency Response.", cfg.AgentName, cfg.Organization)
	if sctx.IsZero() {
		return intro + " May I have your name?"
	}

	incidentType := sctx.IncidentType
	if incidentType == "" {
		incidentType = "security incident"
	}
	address := sctx.Address
	if address == "" {
		address = "unknown location"
	}
	confidence := sctx.ConfidenceScore
	if confidence == 0 {
		confidence = 0.8
	}

	return fmt.Sprintf("%s We have detected a %s at %s with %d%% confidence. "+
		"May I have your name, agency, and a contact number to send evidence images?",
		intro, incidentType, address, int(math.Round(confidence*100)))
}
