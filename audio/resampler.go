package audio

import "math"

// Resampler converts 16-bit mono PCM between sample rates, one chunk at a
// time. It keeps the last input sample, the interpolation phase and the
// anti-alias filter history between calls, so consecutive chunks of one
// stream resample as if they were a single buffer.
//
// A Resampler belongs to exactly one stream direction and is not safe for
// concurrent use.
type Resampler struct {
	inRate  int
	outRate int

	// phase is the position of the next output sample, in units of
	// 1/outRate input samples, relative to the first sample of the next
	// chunk. -outRate addresses the carried sample.
	phase int64
	last  int16

	taps    int
	history []int32
	sum     int32
}

// NewResampler creates a resampler from inRate to outRate (both in Hz).
func NewResampler(inRate, outRate int) *Resampler {
	r := &Resampler{inRate: inRate, outRate: outRate}
	if outRate < inRate {
		r.taps = int(math.Ceil(float64(inRate) / float64(outRate)))
	}
	r.Reset()
	return r
}

// InRate returns the input sample rate.
func (r *Resampler) InRate() int { return r.inRate }

// OutRate returns the output sample rate.
func (r *Resampler) OutRate() int { return r.outRate }

// Reset discards all carried state.
func (r *Resampler) Reset() {
	r.phase = 0
	r.last = 0
	r.sum = 0
	if r.taps > 1 {
		r.history = make([]int32, r.taps)
	} else {
		r.history = nil
	}
}

// Process resamples one chunk and returns the produced samples.
func (r *Resampler) Process(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.inRate == r.outRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	src := in
	if r.taps > 1 {
		src = r.lowpass(in)
	}

	n := int64(len(src))
	out := make([]int16, 0, int(n*int64(r.outRate)/int64(r.inRate))+2)

	out = r.interpolate(src, n, out)

	r.phase -= n * int64(r.outRate)
	r.last = src[n-1]
	return out
}

func (r *Resampler) interpolate(src []int16, n int64, out []int16) []int16 {
	den := int64(r.outRate)
	limit := (n - 1) * den
	for r.phase <= limit {
		idx := floorDiv(r.phase, den)
		frac := r.phase - idx*den

		a := r.sample(src, idx)
		var v int64
		if frac == 0 {
			v = int64(a)
		} else {
			b := r.sample(src, idx+1)
			v = (int64(a)*(den-frac) + int64(b)*frac) / den
		}
		out = append(out, clamp16(v))
		r.phase += int64(r.inRate)
	}
	return out
}

func (r *Resampler) sample(src []int16, idx int64) int16 {
	if idx < 0 {
		return r.last
	}
	return src[idx]
}

// lowpass applies a moving average over taps samples before decimation.
func (r *Resampler) lowpass(in []int16) []int16 {
	out := make([]int16, len(in))
	t := int32(r.taps)
	for i, s := range in {
		// history holds the last taps samples, oldest first.
		r.sum -= r.history[0]
		copy(r.history, r.history[1:])
		r.history[r.taps-1] = int32(s)
		r.sum += int32(s)
		out[i] = int16(r.sum / t)
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func clamp16(v int64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
