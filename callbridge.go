// Package callbridge bridges live phone calls with a cloud voice agent.
//
// A call is placed for an incident, its SessionContext is registered under the
// call SID, and when the telephony leg connects a per-call session relays
// transcoded audio between Twilio Media Streams and the voice agent:
//   - audio: μ-law/linear16 transcoding and resampling
//   - agent: voice agent session (handshake, heartbeat, greeting, relay)
//   - functions: agent function-call dispatch
//   - transport: Twilio Media Streams adapter
//   - registry: process-wide call registry
//   - callsystem: outbound call placement and status callbacks
//
// # Environment Variables
//
//	CALLBRIDGE_TWILIO_ACCOUNT_SID - Twilio Account SID
//	CALLBRIDGE_TWILIO_AUTH_TOKEN  - Twilio Auth Token
//	CALLBRIDGE_AGENT_API_KEY      - Voice agent API key
//
// # Quick Start
//
//	callbridge serve --config callbridge.yaml
package callbridge

// Version is the service version.
const Version = "0.1.0"

// ProviderName identifies the telephony provider.
const ProviderName = "twilio"

// Agent API constants.
const (
	// DefaultAgentURL is the voice agent converse endpoint.
	DefaultAgentURL = "wss://agent.deepgram.com/v1/agent/converse"

	// DefaultTwilioAPIBaseURL is the Twilio REST API base URL.
	DefaultTwilioAPIBaseURL = "https://api.twilio.com/2010-04-01"
)

// Audio format constants.
const (
	// EncodingMulaw is the G.711 μ-law encoding used by Media Streams.
	EncodingMulaw = "mulaw"

	// EncodingLinear16 is 16-bit signed little-endian PCM.
	EncodingLinear16 = "linear16"

	// TelephonySampleRate is the Media Streams sample rate (8kHz).
	TelephonySampleRate = 8000

	// DefaultAgentInputRate is the sample rate audio is sent to the agent at.
	DefaultAgentInputRate = 48000

	// DefaultAgentOutputRate is the sample rate the agent speaks at.
	DefaultAgentOutputRate = 16000
)

// Call status constants.
const (
	CallStatusQueued     = "queued"
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// IsTerminalCallStatus reports whether a Twilio call status ends the call.
func IsTerminalCallStatus(status string) bool {
	switch status {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}

// Ticket status codes of the ticketing system.
const (
	TicketStatusOpen       = 2
	TicketStatusInProgress = 3
	TicketStatusResolved   = 4
	TicketStatusClosed     = 5
)
