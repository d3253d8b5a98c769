package agent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentplexus/callbridge/functions"
)

// Control message types exchanged with the voice agent.
const (
	MsgSettings             = "Settings"
	MsgWelcome              = "Welcome"
	MsgSettingsApplied      = "SettingsApplied"
	MsgError                = "Error"
	MsgWarning              = "Warning"
	MsgInjectAgentMessage   = "InjectAgentMessage"
	MsgConversationText     = "ConversationText"
	MsgUserStartedSpeaking  = "UserStartedSpeaking"
	MsgAgentThinking        = "AgentThinking"
	MsgAgentStartedSpeaking = "AgentStartedSpeaking"
	MsgAgentAudioDone       = "AgentAudioDone"
	MsgFunctionCallRequest  = "FunctionCallRequest"
	MsgFunctionCallResponse = "FunctionCallResponse"
	MsgCloseConnection      = "CloseConnection"
	MsgKeepAlive            = "KeepAlive"
)

// inboundMessage is the union of the control messages the agent sends.
type inboundMessage struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	Description    string          `json:"description,omitempty"`
	Code           any             `json:"code,omitempty"`
	Role           string          `json:"role,omitempty"`
	Content        string          `json:"content,omitempty"`
	FunctionName   string          `json:"function_name,omitempty"`
	FunctionCallID string          `json:"function_call_id,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
}

type injectAgentMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type functionCallResponse struct {
	Type           string `json:"type"`
	FunctionCallID string `json:"function_call_id"`
	Output         string `json:"output"`
}

type keepAliveMessage struct {
	Type string `json:"type"`
}

// functionInput decodes a function call's input. The agent may send the
// arguments either as an object or as a JSON-encoded string.
func functionInput(raw json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if strings.TrimSpace(encoded) == "" {
			return params, nil
		}
		raw = json.RawMessage(encoded)
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// Settings is the configuration message sent right after connecting.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

// AudioSettings describes the audio both directions carry.
type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

// AudioFormat is an encoding and sample rate.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

// ProviderSettings selects a model.
type ProviderSettings struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// AgentSettings configures the agent's listen, think and speak stages.
type AgentSettings struct {
	Language string         `json:"language"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
}

type ListenSettings struct {
	Provider ProviderSettings `json:"provider"`
}

type ThinkSettings struct {
	Provider  ProviderSettings       `json:"provider"`
	Prompt    string                 `json:"prompt"`
	Functions []functions.Definition `json:"functions,omitempty"`
}

type SpeakSettings struct {
	Provider ProviderSettings `json:"provider"`
}

// BuildSettings builds the settings message for cfg with the given functions.
func BuildSettings(cfg Config, defs []functions.Definition, now time.Time) Settings {
	return Settings{
		Type: MsgSettings,
		Audio: AudioSettings{
			Input: AudioFormat{
				Encoding:   "linear16",
				SampleRate: cfg.InputRate,
			},
			Output: AudioFormat{
				Encoding:   "linear16",
				SampleRate: cfg.OutputRate,
				Container:  "none",
			},
		},
		Agent: AgentSettings{
			Language: cfg.Language,
			Listen: ListenSettings{
				Provider: ProviderSettings{Type: "deepgram", Model: cfg.ListenModel},
			},
			Think: ThinkSettings{
				Provider:  ProviderSettings{Type: cfg.ThinkProvider, Model: cfg.ThinkModel},
				Prompt:    cfg.prompt(now),
				Functions: defs,
			},
			Speak: SpeakSettings{
				Provider: ProviderSettings{Type: "deepgram", Model: cfg.SpeakModel},
			},
		},
	}
}
