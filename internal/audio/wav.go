// Package audio decodes WAV and raw PCM input into the 16 kHz mono float
// samples the transcriber consumes.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// WhisperSampleRate is the only rate the model accepts.
const WhisperSampleRate = 16000

var (
	ErrInvalidWAV        = errors.New("invalid wav file")
	ErrUnsupportedFormat = errors.New("unsupported wav format")
)

// DecodeWAVToFloat32 decodes a WAV blob into mono float32 PCM and returns it
// with its sample rate.
func DecodeWAVToFloat32(b []byte) ([]float32, int, error) {
	return DecodeWAV(bytes.NewReader(b))
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV decodes 16-bit mono or stereo WAV. Stereo is downmixed by
// averaging the channels.
func DecodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}
	if buf == nil {
		return nil, 0, fmt.Errorf("%w: empty buffer", ErrInvalidWAV)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth != 16 {
		return nil, 0, fmt.Errorf("%w: %d-bit samples, want 16", ErrUnsupportedFormat, bitDepth)
	}
	channels := int(dec.NumChans)
	if channels == 0 && buf.Format != nil {
		channels = buf.Format.NumChannels
	}
	if channels != 1 && channels != 2 {
		return nil, 0, fmt.Errorf("%w: %d channels, want mono or stereo", ErrUnsupportedFormat, channels)
	}

	sr := int(dec.SampleRate)
	if sr == 0 && buf.Format != nil {
		sr = buf.Format.SampleRate
	}
	if sr == 0 {
		sr = WhisperSampleRate
	}

	if channels == 1 {
		out := make([]float32, len(buf.Data))
		for i, v := range buf.Data {
			out[i] = float32(v) / 32768.0
		}
		return out, sr, nil
	}
	out := make([]float32, len(buf.Data)/2)
	for i := range out {
		out[i] = float32(buf.Data[2*i]+buf.Data[2*i+1]) / 65536.0
	}
	return out, sr, nil
}

// DecodePCM16LEToFloat32 converts little-endian PCM16 bytes into float32
// samples and returns the given sample rate.
func DecodePCM16LEToFloat32(b []byte, sampleRate int) ([]float32, int, error) {
	if sampleRate <= 0 {
		sampleRate = WhisperSampleRate
	}
	if len(b)%2 != 0 {
		return nil, 0, errors.New("pcm16 length must be even")
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[2*i:]))) / 32768.0
	}
	return out, sampleRate, nil
}
