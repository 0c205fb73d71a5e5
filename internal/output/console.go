package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/obiente/gowhisper/internal/stream"
	"github.com/obiente/gowhisper/internal/whisper"
)

// clearLine erases the current terminal line and returns the cursor.
const clearLine = "\x1b[2K\r"

// Theme holds the console styles.
type Theme struct {
	Time lipgloss.Style
	Text lipgloss.Style
}

// DefaultTheme dims timestamps and leaves text unstyled.
func DefaultTheme() Theme {
	return Theme{
		Time: lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		Text: lipgloss.NewStyle(),
	}
}

// Console prints segments as they are produced.
type Console struct {
	w          io.Writer
	theme      Theme
	color      bool
	special    bool
	timestamps bool
}

// NewConsole writes to w. Styles are only applied when color is set.
func NewConsole(w io.Writer, color, special bool) *Console {
	return &Console{w: w, theme: DefaultTheme(), color: color, special: special}
}

// WithTimestamps makes Iteration print one timestamped line per segment
// instead of rewriting a single line of text.
func (c *Console) WithTimestamps(on bool) *Console {
	c.timestamps = on
	return c
}

// Line renders "[t0 --> t1]  text".
func (c *Console) Line(s whisper.Segment) string {
	if !c.color {
		return plainLine(s, c.special)
	}
	return c.theme.Time.Render(timeRange(s)) + "  " + c.theme.Text.Render(s.DisplayText(c.special))
}

// Segment prints one line per segment. It can be used as a SegmentHandler.
func (c *Console) Segment(s whisper.Segment) {
	fmt.Fprintln(c.w, c.Line(s))
}

// Iteration clears the current line and prints a streaming iteration, then
// ends the line when the controller reset its context.
func (c *Console) Iteration(it stream.Iteration) {
	var b strings.Builder
	b.WriteString(clearLine)
	for _, s := range it.Segments {
		if c.timestamps {
			b.WriteString(c.Line(s))
			b.WriteString("\n")
			continue
		}
		b.WriteString(s.DisplayText(c.special))
	}
	if it.NewLine || it.Final {
		b.WriteString("\n")
	}
	fmt.Fprint(c.w, b.String())
}

// TranscriptLog appends every streaming iteration to w without terminal
// control or styling. Each iteration is followed by a blank line.
type TranscriptLog struct {
	w          io.Writer
	timestamps bool
	special    bool
}

func NewTranscriptLog(w io.Writer, timestamps, special bool) *TranscriptLog {
	return &TranscriptLog{w: w, timestamps: timestamps, special: special}
}

func (t *TranscriptLog) Iteration(it stream.Iteration) error {
	var b strings.Builder
	for _, s := range it.Segments {
		if t.timestamps {
			b.WriteString(plainLine(s, t.special))
			b.WriteString("\n")
			continue
		}
		b.WriteString(s.DisplayText(t.special))
	}
	b.WriteString("\n")
	_, err := io.WriteString(t.w, b.String())
	return err
}

func timeRange(s whisper.Segment) string {
	return fmt.Sprintf("[%s --> %s]", ToTimestamp(s.T0, false), ToTimestamp(s.T1, false))
}

func plainLine(s whisper.Segment, special bool) string {
	return timeRange(s) + "  " + s.DisplayText(special)
}
