package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/obiente/gowhisper/internal/audio"
	"github.com/obiente/gowhisper/internal/output"
	"github.com/obiente/gowhisper/internal/whisper"
)

var (
	trOffsetMS     int
	trTranslate    bool
	trLanguage     string
	trStrategy     string
	trOutputTXT    bool
	trOutputVTT    bool
	trOutputSRT    bool
	trPrintSpecial bool
	trNoTimestamps bool
	trNoColor      bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe [flags] file.wav [file.wav ...]",
	Short: "Transcribe WAV files",
	Long: `Transcribe one or more 16-bit mono or stereo WAV files.

Segments are printed as they are decoded. Audio that is not 16 kHz is
resampled. With --output-txt, --output-vtt or --output-srt the transcript is
also written next to each input as <input>.<format>.

Examples:
  gowhisper transcribe -m models/ggml-base.en.bin samples/jfk.wav
  gowhisper transcribe -l de --output-srt interview.wav`,
	RunE: runTranscribe,
}

func init() {
	f := transcribeCmd.Flags()
	f.IntVar(&trOffsetMS, "offset-t", 0, "time offset in milliseconds")
	f.BoolVar(&trTranslate, "translate", false, "translate from source language to english")
	f.StringVarP(&trLanguage, "language", "l", "", "spoken language (default from config)")
	f.StringVar(&trStrategy, "strategy", "greedy", "sampling strategy: greedy or beam_search")
	f.BoolVar(&trOutputTXT, "output-txt", false, "write the transcript to <input>.txt")
	f.BoolVar(&trOutputVTT, "output-vtt", false, "write the transcript to <input>.vtt")
	f.BoolVar(&trOutputSRT, "output-srt", false, "write the transcript to <input>.srt")
	f.BoolVar(&trPrintSpecial, "print-special", false, "print special tokens")
	f.BoolVar(&trNoTimestamps, "no-timestamps", false, "do not print timestamps")
	f.BoolVar(&trNoColor, "no-color", false, "disable colored output")
}

func transcribeParams(cmd *cobra.Command) (whisper.Params, error) {
	strategy, err := whisper.ParseStrategy(trStrategy)
	if err != nil {
		return whisper.Params{}, err
	}
	p := whisper.DefaultParams(strategy)
	p.Threads = cfg.Threads
	p.OffsetMS = trOffsetMS
	p.Language = cfg.Language
	if trLanguage != "" {
		p.Language = trLanguage
	}
	p.Translate = cfg.Translate
	if cmd.Flags().Changed("translate") {
		p.Translate = trTranslate
	}
	p.PrintSpecialTokens = trPrintSpecial
	p.NoTimestamps = trNoTimestamps
	return p, p.Validate()
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return withCode(exitNoInput, errors.New("no input files specified"))
	}
	p, err := transcribeParams(cmd)
	if err != nil {
		return withCode(exitUsage, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	session, err := loadSession()
	if err != nil {
		return withCode(exitUsage, fmt.Errorf("failed to initialize whisper context: %w", err))
	}
	defer session.Close()

	out := cmd.OutOrStdout()
	console := output.NewConsole(out, !trNoColor && isatty.IsTerminal(os.Stdout.Fd()), trPrintSpecial)
	var truncated []string
	for _, path := range args {
		ok, err := transcribeFile(ctx, session, out, console, path, p)
		if err != nil {
			return err
		}
		if !ok {
			truncated = append(truncated, path)
		}
	}

	stats.Snapshot().Log(log.Logger)
	if len(truncated) > 0 {
		return withCode(exitTruncated, fmt.Errorf("%w in %v", whisper.ErrTruncatedOutput, truncated))
	}
	return nil
}

// transcribeFile decodes one input and writes the requested outputs. It
// reports false when the decoder truncated a window.
func transcribeFile(ctx context.Context, session *whisper.Session, out io.Writer, console *output.Console, path string, p whisper.Params) (bool, error) {
	pcm, rate, err := audio.ReadWAVFile(path)
	switch {
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return false, withCode(exitWAVFormat, fmt.Errorf("WAV file '%s': %w", path, err))
	case err != nil:
		return false, withCode(exitWAV, fmt.Errorf("failed to open WAV file '%s' - check your input: %w", path, err))
	}
	if pcm, err = audio.ToWhisperRate(pcm, rate); err != nil {
		return false, withCode(exitResample, fmt.Errorf("WAV file '%s': %w", path, err))
	}

	lang := p.Language
	if !session.IsMultilingual() {
		lang = "en"
	}
	log.Info().
		Str("file", path).
		Int("samples", len(pcm)).
		Float64("seconds", float64(len(pcm))/float64(audio.WhisperSampleRate)).
		Int("threads", p.Threads).
		Str("lang", lang).
		Bool("translate", p.Translate).
		Bool("timestamps", !p.NoTimestamps).
		Msg("processing")

	p.OnSegment = func(seg whisper.Segment) {
		if p.NoTimestamps {
			fmt.Fprint(out, seg.DisplayText(p.PrintSpecialTokens))
			return
		}
		console.Segment(seg)
	}
	err = session.Full(ctx, p, pcm)
	complete := true
	switch {
	case errors.Is(err, whisper.ErrTruncatedOutput):
		complete = false
		log.Warn().Str("file", path).Err(err).Msg("transcript truncated")
	case err != nil:
		return false, withCode(exitTranscription, fmt.Errorf("failed to process audio: %w", err))
	}
	if p.NoTimestamps {
		fmt.Fprintln(out)
	}

	segs := session.Segments()
	for _, o := range []struct {
		enabled bool
		format  output.Format
		code    int
	}{
		{trOutputTXT, output.FormatTXT, exitOutputTXT},
		{trOutputVTT, output.FormatVTT, exitOutputVTT},
		{trOutputSRT, output.FormatSRT, exitOutputSRT},
	} {
		if !o.enabled {
			continue
		}
		written, err := output.WriteFile(path, o.format, segs, p.PrintSpecialTokens)
		if err != nil {
			return complete, withCode(o.code, err)
		}
		log.Info().Str("path", written).Msg("saved transcript")
	}
	return complete, nil
}
