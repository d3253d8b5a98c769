// Package twiml renders the TwiML documents returned to Twilio webhooks.
package twiml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Stream directions accepted by Media Streams.
const (
	DirectionBoth    = "both"
	DirectionInbound = "inbound_track"
)

// DefaultVoice is the voice used for <Say>.
const DefaultVoice = "alice"

// SayElement represents a TwiML <Say> element.
type SayElement struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// ParameterElement is a custom parameter handed to the stream's start event.
type ParameterElement struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// StreamElement represents a TwiML <Stream> element.
type StreamElement struct {
	XMLName    xml.Name `xml:"Stream"`
	URL        string   `xml:"url,attr"`
	Parameters []ParameterElement
}

// ConnectElement represents a TwiML <Connect> element.
type ConnectElement struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  *StreamElement
}

// ResponseElement represents a TwiML <Response> element.
type ResponseElement struct {
	XMLName xml.Name `xml:"Response"`
	Say     *SayElement
	Connect *ConnectElement
	Hangup  *struct{} `xml:"Hangup"`
}

// ConnectStream returns TwiML that connects the call to a bidirectional
// media stream at streamURL. params become <Parameter> elements.
func ConnectStream(streamURL string, params map[string]string) (string, error) {
	if streamURL == "" {
		return "", errors.New("stream URL is required")
	}

	stream := &StreamElement{
		URL:        streamURL,
		Parameters: []ParameterElement{{Name: "direction", Value: DirectionBoth}},
	}
	for _, name := range slices.Sorted(maps.Keys(params)) {
		if name == "direction" {
			continue
		}
		stream.Parameters = append(stream.Parameters, ParameterElement{Name: name, Value: params[name]})
	}

	return render(&ResponseElement{Connect: &ConnectElement{Stream: stream}})
}

// SayHangup returns TwiML that speaks text and ends the call.
func SayHangup(text string) (string, error) {
	return render(&ResponseElement{
		Say:    &SayElement{Voice: DefaultVoice, Language: "en-US", Text: text},
		Hangup: &struct{}{},
	})
}

func render(resp *ResponseElement) (string, error) {
	out, err := xml.MarshalIndent(resp, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to render twiml: %w", err)
	}
	return xml.Header + string(out), nil
}
