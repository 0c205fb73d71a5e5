package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/obiente/gowhisper/internal/audio"
	"github.com/obiente/gowhisper/internal/output"
	"github.com/obiente/gowhisper/internal/stream"
	"github.com/obiente/gowhisper/internal/whisper"
)

var (
	stStepMS      int
	stLengthMS    int
	stKeepContext bool
	stLanguage    string
	stTranslate   bool
	stFile        string
	stRate        int
	stRealtime    bool
	stNoColor     bool
	stNoTS        bool
	stSpecial     bool
	stOutput      string
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Transcribe live 16-bit PCM audio",
	Long: `Transcribe raw little-endian 16-bit mono PCM read from stdin or --file.

Every --step milliseconds of new audio is decoded together with trailing
audio of the previous step, up to --length milliseconds. Each step prints
its segments as "[t0 --> t1]  text" lines, or rewrites the current line with
--no-timestamps. A new line is started when the window resets. Audio that
arrives faster than it can be decoded is dropped.

Examples:
  arecord -f S16_LE -r 16000 -c 1 | gowhisper stream -m models/ggml-base.en.bin
  gowhisper stream --file speech.pcm --rate 48000 --realtime --step 500 --length 5000
  gowhisper stream --no-timestamps -o transcript.txt < speech.pcm`,
	RunE: runStream,
}

func init() {
	f := streamCmd.Flags()
	f.IntVar(&stStepMS, "step", 0, "audio step size in milliseconds (default from config)")
	f.IntVar(&stLengthMS, "length", 0, "audio window length in milliseconds (default from config)")
	f.BoolVar(&stKeepContext, "keep-context", false, "carry decoded text into the next step")
	f.StringVarP(&stLanguage, "language", "l", "", "spoken language (default from config)")
	f.BoolVar(&stTranslate, "translate", false, "translate from source language to english")
	f.StringVar(&stFile, "file", "", "read PCM from this file instead of stdin")
	f.IntVar(&stRate, "rate", audio.WhisperSampleRate, "sample rate of the input")
	f.BoolVar(&stRealtime, "realtime", false, "pace the input at its sample rate")
	f.BoolVar(&stNoColor, "no-color", false, "disable colored output")
	f.BoolVar(&stNoTS, "no-timestamps", false, "do not print timestamps")
	f.BoolVar(&stSpecial, "print-special", false, "print special tokens")
	f.StringVarP(&stOutput, "output", "o", "", "also write the transcript to this file")
}

func streamConfig(cmd *cobra.Command) (stream.Config, error) {
	p := whisper.DefaultParams(whisper.SamplingGreedy)
	p.Threads = cfg.Threads
	p.Language = cfg.Language
	if stLanguage != "" {
		p.Language = stLanguage
	}
	p.Translate = cfg.Translate
	if cmd.Flags().Changed("translate") {
		p.Translate = stTranslate
	}
	p.PrintSpecialTokens = stSpecial
	sc := stream.Config{
		StepMS:      cfg.Stream.StepMS,
		LengthMS:    cfg.Stream.LengthMS,
		KeepContext: cfg.Stream.KeepContext,
		Params:      p,
	}
	if stStepMS > 0 {
		sc.StepMS = stStepMS
	}
	if stLengthMS > 0 {
		sc.LengthMS = stLengthMS
	}
	if cmd.Flags().Changed("keep-context") {
		sc.KeepContext = stKeepContext
	}
	return sc, p.Validate()
}

func runStream(cmd *cobra.Command, _ []string) error {
	sc, err := streamConfig(cmd)
	if err != nil {
		return withCode(exitUsage, err)
	}
	if stRate <= 0 {
		return withCode(exitUsage, fmt.Errorf("invalid sample rate %d", stRate))
	}

	var in io.Reader = os.Stdin
	if stFile != "" {
		f, err := os.Open(stFile)
		if err != nil {
			return withCode(exitNoInput, err)
		}
		defer f.Close()
		in = f
	}

	var transcript *output.TranscriptLog
	if stOutput != "" {
		f, err := os.Create(stOutput)
		if err != nil {
			return withCode(exitUsage, fmt.Errorf("failed to open output file %q: %w", stOutput, err))
		}
		defer f.Close()
		transcript = output.NewTranscriptLog(f, !stNoTS, stSpecial)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	session, err := loadSession()
	if err != nil {
		return withCode(exitUsage, fmt.Errorf("failed to initialize whisper context: %w", err))
	}
	defer session.Close()

	q := stream.NewQueue(sc.QueueCapacity())
	ctrl, err := stream.NewController(session, q, sc, stream.WithLogger(log.Logger), stream.WithRecorder(stats))
	if err != nil {
		return withCode(exitUsage, err)
	}

	go func() {
		if err := capture(ctx, in, q, stRate, stRealtime); err != nil {
			log.Error().Err(err).Msg("stream: capture failed")
		}
	}()

	console := output.NewConsole(cmd.OutOrStdout(), !stNoColor && isatty.IsTerminal(os.Stdout.Fd()), stSpecial).
		WithTimestamps(!stNoTS)
	err = ctrl.Run(ctx, func(it stream.Iteration) error {
		console.Iteration(it)
		if transcript != nil {
			return transcript.Iteration(it)
		}
		return nil
	})
	stats.Snapshot().Log(log.Logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return withCode(exitStream, fmt.Errorf("failed to process audio: %w", err))
	}
	return nil
}

// captureChunk is the amount of audio read per push.
const captureChunk = 100 * time.Millisecond

// capture reads PCM16 at rate from r, resamples it to 16 kHz through one
// resampler kept for the whole stream, and pushes it into q until EOF or ctx
// is done. The resampler tail is pushed before the queue is closed for
// writing.
func capture(ctx context.Context, r io.Reader, q *stream.Queue, rate int, realtime bool) error {
	defer q.CloseWrite()

	rs, err := audio.NewResampler(rate, audio.WhisperSampleRate)
	if err != nil {
		return err
	}
	push := func(pcm []float32) {
		if dropped := q.Push(pcm); dropped > 0 {
			stats.RecordDrop(dropped)
		}
	}
	err = readPCM(ctx, r, rate, realtime, func(pcm []float32) error {
		out, err := rs.Process(pcm)
		if err != nil {
			return err
		}
		push(out)
		return nil
	})
	if err != nil {
		return err
	}
	tail, err := rs.Flush()
	if err != nil {
		return err
	}
	push(tail)
	return nil
}

// readPCM calls fn with chunks of captureChunk samples decoded from r. The
// read size is a whole number of samples so no chunk starts mid-sample; a
// trailing odd byte at EOF is ignored.
func readPCM(ctx context.Context, r io.Reader, rate int, realtime bool, fn func([]float32) error) error {
	samples := max(1, rate*int(captureChunk/time.Millisecond)/1000)
	buf := make([]byte, 2*samples)
	var tick <-chan time.Time
	if realtime {
		t := time.NewTicker(captureChunk)
		defer t.Stop()
		tick = t.C
	}
	for {
		n, err := io.ReadFull(r, buf)
		if n >= 2 {
			pcm, _, derr := audio.DecodePCM16LEToFloat32(buf[:n-n%2], rate)
			if derr != nil {
				return derr
			}
			if ferr := fn(pcm); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}
