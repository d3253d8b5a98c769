// Package audio converts audio between the telephony leg and the agent leg.
//
// The telephony leg carries 8-bit G.711 μ-law at 8kHz; the agent leg carries
// 16-bit signed little-endian linear PCM at the agent's configured rates.
package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
)

// Encoding names an audio sample encoding.
type Encoding string

// Supported encodings.
const (
	EncodingMulaw    Encoding = "mulaw"
	EncodingLinear16 Encoding = "linear16"
)

// Format is an encoding at a sample rate. All audio is mono.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

func (f Format) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

// Validate checks that the format is supported.
func (f Format) Validate() error {
	switch f.Encoding {
	case EncodingMulaw, EncodingLinear16:
	default:
		return fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	return nil
}

// decode converts encoded bytes to samples.
func decode(enc Encoding, data []byte) ([]int16, error) {
	switch enc {
	case EncodingMulaw:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = g711.DecodeUlawFrame(b)
		}
		return out, nil
	case EncodingLinear16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("linear16 frame has odd length %d", len(data))
		}
		out := make([]int16, len(data)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported encoding %q", enc)
}

// encode converts samples to encoded bytes.
func encode(enc Encoding, samples []int16) ([]byte, error) {
	switch enc {
	case EncodingMulaw:
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = g711.EncodeUlawFrame(s)
		}
		return out, nil
	case EncodingLinear16:
		out := make([]byte, 2*len(samples))
		for i, s := range samples {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported encoding %q", enc)
}
