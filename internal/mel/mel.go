// Package mel computes the log mel spectrogram consumed by the whisper
// encoder.
//
// The front-end matches the whisper reference:
//
//	SampleRate: 16000
//	NFFT:         400 (25 ms Hann window)
//	HopLength:    160 (10 ms, one frame per 10 ms tick)
//	NMel:          80
//
// Values are log10 power, clamped to 8 below the global maximum and scaled
// with (x+4)/4.
package mel

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	SampleRate = 16000
	NFFT       = 400
	HopLength  = 160
	NMel       = 80
	// ChunkSize is the audio window of one encoder pass, in seconds.
	ChunkSize = 30
	// FramesPerChunk is the number of mel frames in one encoder window.
	FramesPerChunk = ChunkSize * SampleRate / HopLength
)

// ErrBadShape is returned when a supplied spectrogram does not have NMel bins.
var ErrBadShape = errors.New("mel: spectrogram must have 80 mel bins")

// Spectrogram is a (frames x mel bins) buffer stored frame-major.
type Spectrogram struct {
	NLen int
	NMel int
	Data []float32
}

// At returns the value of mel bin m in frame t.
func (s *Spectrogram) At(t, m int) float32 { return s.Data[t*s.NMel+m] }

// Frame returns the bins of frame t. The slice aliases the spectrogram.
func (s *Spectrogram) Frame(t int) []float32 { return s.Data[t*s.NMel : (t+1)*s.NMel] }

// MelMajor returns a copy laid out bin-major ([NMel][NLen]), the layout the
// whisper.cpp context stores internally.
func (s *Spectrogram) MelMajor() []float32 {
	out := make([]float32, len(s.Data))
	for t := 0; t < s.NLen; t++ {
		for m := 0; m < s.NMel; m++ {
			out[m*s.NLen+t] = s.Data[t*s.NMel+m]
		}
	}
	return out
}

// FromFrames builds a spectrogram from caller-supplied frames, bypassing
// feature extraction.
func FromFrames(frames [][]float32) (*Spectrogram, error) {
	s := &Spectrogram{NLen: len(frames), NMel: NMel, Data: make([]float32, len(frames)*NMel)}
	for t, f := range frames {
		if len(f) != NMel {
			return nil, fmt.Errorf("%w: frame %d has %d", ErrBadShape, t, len(f))
		}
		copy(s.Data[t*NMel:], f)
	}
	return s, nil
}

// Config controls spectrogram extraction.
type Config struct {
	SampleRate int
	NFFT       int
	HopLength  int
	NMel       int
}

// DefaultConfig returns the whisper front-end parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate: SampleRate,
		NFFT:       NFFT,
		HopLength:  HopLength,
		NMel:       NMel,
	}
}

// Extractor turns PCM samples into log mel spectrograms. It is safe for
// concurrent use.
type Extractor struct {
	cfg     Config
	window  []float64
	filters [][]float64
}

// NewExtractor precomputes the window and filterbank for cfg.
func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.SampleRate <= 0 || cfg.NFFT <= 0 || cfg.HopLength <= 0 || cfg.NMel <= 0 {
		return nil, fmt.Errorf("mel: invalid config %+v", cfg)
	}
	return &Extractor{
		cfg:     cfg,
		window:  hannWindow(cfg.NFFT),
		filters: slaneyFilterBank(cfg.NMel, cfg.NFFT, cfg.SampleRate),
	}, nil
}

// Mel computes the spectrogram of samples, splitting frames across threads
// workers. One frame is produced per HopLength samples.
func (e *Extractor) Mel(samples []float32, threads int) (*Spectrogram, error) {
	cfg := e.cfg
	nLen := len(samples) / cfg.HopLength
	out := &Spectrogram{NLen: nLen, NMel: cfg.NMel, Data: make([]float32, nLen*cfg.NMel)}
	if nLen == 0 {
		return out, nil
	}
	if threads < 1 {
		threads = 1
	}
	if threads > nLen {
		threads = nLen
	}

	var wg sync.WaitGroup
	for w := 0; w < threads; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			e.frames(samples, out, w, threads)
		}(w)
	}
	wg.Wait()

	mmax := float32(math.Inf(-1))
	for _, v := range out.Data {
		if v > mmax {
			mmax = v
		}
	}
	floor := mmax - 8
	for i, v := range out.Data {
		if v < floor {
			v = floor
		}
		out.Data[i] = (v + 4) / 4
	}
	return out, nil
}

// frames fills every stride-th frame starting at first with log10 mel energies.
func (e *Extractor) frames(samples []float32, out *Spectrogram, first, stride int) {
	cfg := e.cfg
	fft := fourier.NewFFT(cfg.NFFT)
	buf := make([]float64, cfg.NFFT)
	coeffs := make([]complex128, cfg.NFFT/2+1)
	power := make([]float64, cfg.NFFT/2+1)

	for t := first; t < out.NLen; t += stride {
		offset := t * cfg.HopLength
		for j := range buf {
			if offset+j < len(samples) {
				buf[j] = e.window[j] * float64(samples[offset+j])
			} else {
				buf[j] = 0
			}
		}
		coeffs = fft.Coefficients(coeffs, buf)
		for k, c := range coeffs {
			power[k] = real(c)*real(c) + imag(c)*imag(c)
		}
		frame := out.Frame(t)
		for m, filter := range e.filters {
			sum := 0.0
			for k, w := range filter {
				if w != 0 {
					sum += w * power[k]
				}
			}
			if sum < 1e-10 {
				sum = 1e-10
			}
			frame[m] = float32(math.Log10(sum))
		}
	}
}
