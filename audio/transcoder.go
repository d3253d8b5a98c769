package audio

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentplexus/callbridge"
)

// Transcoder converts frames from one format to another. Each transcoder
// owns a Resampler, so one instance must be used per stream direction of
// one call; it is not safe for concurrent use.
type Transcoder struct {
	in        Format
	out       Format
	resampler *Resampler
	logger    *zap.Logger
}

// NewTranscoder creates a transcoder from in to out.
func NewTranscoder(in, out Format, logger *zap.Logger) (*Transcoder, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("input format: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("output format: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{
		in:        in,
		out:       out,
		resampler: NewResampler(in.SampleRate, out.SampleRate),
		logger: logger.With(
			zap.String("component", "transcoder"),
			zap.Stringer("from", in),
			zap.Stringer("to", out),
		),
	}, nil
}

// TelephonyToAgent creates the inbound transcoder: μ-law at the telephony
// rate to linear16 at the agent input rate.
func TelephonyToAgent(telephonyRate, agentInputRate int, logger *zap.Logger) (*Transcoder, error) {
	return NewTranscoder(
		Format{Encoding: EncodingMulaw, SampleRate: telephonyRate},
		Format{Encoding: EncodingLinear16, SampleRate: agentInputRate},
		logger,
	)
}

// AgentToTelephony creates the outbound transcoder: linear16 at the agent
// output rate to μ-law at the telephony rate.
func AgentToTelephony(agentOutputRate, telephonyRate int, logger *zap.Logger) (*Transcoder, error) {
	return NewTranscoder(
		Format{Encoding: EncodingLinear16, SampleRate: agentOutputRate},
		Format{Encoding: EncodingMulaw, SampleRate: telephonyRate},
		logger,
	)
}

// Input returns the input format.
func (t *Transcoder) Input() Format { return t.in }

// Output returns the output format.
func (t *Transcoder) Output() Format { return t.out }

// Transcode converts one frame. Empty or malformed frames produce no output
// and an ErrTranscode-kind error; the failure is logged here so callers only
// need to drop the frame. A valid frame too short to yield a sample at the
// output rate returns (nil, nil); its samples still feed the carried state.
func (t *Transcoder) Transcode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, t.fail(errors.New("empty frame"))
	}

	samples, err := decode(t.in.Encoding, frame)
	if err != nil {
		return nil, t.fail(err)
	}

	resampled := t.resampler.Process(samples)
	if len(resampled) == 0 {
		return nil, nil
	}

	out, err := encode(t.out.Encoding, resampled)
	if err != nil {
		return nil, t.fail(err)
	}
	return out, nil
}

// Reset discards the resampler state.
func (t *Transcoder) Reset() {
	t.resampler.Reset()
}

func (t *Transcoder) fail(err error) error {
	t.logger.Warn("dropping audio frame", zap.Error(err))
	return callbridge.NewError(callbridge.KindTranscode, "transcode", err)
}
