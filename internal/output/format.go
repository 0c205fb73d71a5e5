// Package output renders segments as plain text, WebVTT and SubRip, and as
// console lines.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/obiente/gowhisper/internal/whisper"
)

// Format is an output file format.
type Format string

const (
	FormatTXT Format = "txt"
	FormatVTT Format = "vtt"
	FormatSRT Format = "srt"
)

// ToTimestamp renders t, in 10 ms ticks, as hh:mm:ss.mmm. With comma set the
// millisecond separator is ',' as SubRip requires.
func ToTimestamp(t int64, comma bool) string {
	msec := t * 10
	hr := msec / (1000 * 60 * 60)
	msec -= hr * 1000 * 60 * 60
	mins := msec / (1000 * 60)
	msec -= mins * 1000 * 60
	sec := msec / 1000
	msec -= sec * 1000

	sep := "."
	if comma {
		sep = ","
	}
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", hr, mins, sec, sep, msec)
}

// WriteTXT writes one segment per line.
func WriteTXT(w io.Writer, segs []whisper.Segment, special bool) error {
	bw := bufio.NewWriter(w)
	for _, s := range segs {
		fmt.Fprintln(bw, s.DisplayText(special))
	}
	return bw.Flush()
}

// WriteVTT writes a WebVTT document.
func WriteVTT(w io.Writer, segs []whisper.Segment, special bool) error {
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "WEBVTT\n\n")
	for _, s := range segs {
		fmt.Fprintf(bw, "%s --> %s\n", ToTimestamp(s.T0, false), ToTimestamp(s.T1, false))
		fmt.Fprintf(bw, "%s\n\n", s.DisplayText(special))
	}
	return bw.Flush()
}

// WriteSRT writes a SubRip document with cues numbered from 1.
func WriteSRT(w io.Writer, segs []whisper.Segment, special bool) error {
	bw := bufio.NewWriter(w)
	for i, s := range segs {
		fmt.Fprintf(bw, "%d\n", i+1)
		fmt.Fprintf(bw, "%s --> %s\n", ToTimestamp(s.T0, true), ToTimestamp(s.T1, true))
		fmt.Fprintf(bw, "%s\n\n", s.DisplayText(special))
	}
	return bw.Flush()
}

// Write renders segs in format f.
func Write(w io.Writer, f Format, segs []whisper.Segment, special bool) error {
	switch f {
	case FormatTXT:
		return WriteTXT(w, segs, special)
	case FormatVTT:
		return WriteVTT(w, segs, special)
	case FormatSRT:
		return WriteSRT(w, segs, special)
	}
	return fmt.Errorf("unknown output format %q", f)
}

// WriteFile writes segs next to the input as <input>.<format>, the naming
// the CLI uses, and returns the path written.
func WriteFile(input string, f Format, segs []whisper.Segment, special bool) (string, error) {
	path := input + "." + string(f)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to open '%s' for writing: %w", path, err)
	}
	if err := Write(out, f, segs, special); err != nil {
		out.Close()
		return "", err
	}
	return path, out.Close()
}

// ParseFormat accepts txt, vtt or srt in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTXT, FormatVTT, FormatSRT:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}
