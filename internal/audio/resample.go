package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts consecutive chunks of one mono signal between two
// rates, keeping filter state across chunks. Flush drains the filter tail
// and pads or trims so the total output is in*outRate/inRate samples.
// A Resampler is not safe for concurrent use.
type Resampler struct {
	inRate  int
	outRate int
	r       resampling.Resampler // nil when the rates match

	in  int64
	out int64
}

// NewResampler returns a resampler from inRate to outRate.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", inRate, outRate)
	}
	rs := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return rs, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	rs.r = r
	return rs, nil
}

// InRate is the input sample rate.
func (rs *Resampler) InRate() int { return rs.inRate }

// Process resamples the next chunk. Output lags input by the filter latency.
func (rs *Resampler) Process(samples []float32) ([]float32, error) {
	if rs.r == nil {
		return append([]float32(nil), samples...), nil
	}
	if len(samples) == 0 {
		return nil, nil
	}
	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s)
	}
	res, err := rs.r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample %d -> %d: %w", rs.inRate, rs.outRate, err)
	}
	rs.in += int64(len(samples))
	return rs.emit(res, -1), nil
}

// Flush returns the remaining output and resets the filter for a new signal.
func (rs *Resampler) Flush() ([]float32, error) {
	if rs.r == nil {
		return nil, nil
	}
	defer func() {
		rs.r.Reset()
		rs.in, rs.out = 0, 0
	}()
	res, err := rs.r.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush resampler %d -> %d: %w", rs.inRate, rs.outRate, err)
	}
	want := (rs.in*int64(rs.outRate) + int64(rs.inRate)/2) / int64(rs.inRate)
	out := rs.emit(res, max(0, want-rs.out))
	for rs.out < want {
		out = append(out, 0)
		rs.out++
	}
	return out, nil
}

// emit converts res and accounts for it. A non-negative limit caps the
// number of samples returned.
func (rs *Resampler) emit(res []float64, limit int64) []float32 {
	if limit >= 0 && int64(len(res)) > limit {
		res = res[:limit]
	}
	out := make([]float32, len(res))
	for i, s := range res {
		out[i] = float32(s)
	}
	rs.out += int64(len(out))
	return out
}

// Resample converts a complete mono signal from inRate to outRate.
func Resample(samples []float32, inRate, outRate int) ([]float32, error) {
	rs, err := NewResampler(inRate, outRate)
	if err != nil {
		return nil, err
	}
	out, err := rs.Process(samples)
	if err != nil {
		return nil, err
	}
	tail, err := rs.Flush()
	if err != nil {
		return nil, err
	}
	return append(out, tail...), nil
}

// ToWhisperRate resamples to 16 kHz when needed.
func ToWhisperRate(samples []float32, rate int) ([]float32, error) {
	if rate == WhisperSampleRate {
		return samples, nil
	}
	return Resample(samples, rate, WhisperSampleRate)
}
