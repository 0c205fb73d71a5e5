package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/mel"
	"github.com/obiente/gowhisper/internal/telemetry"
	"github.com/obiente/gowhisper/internal/whisper"
)

const (
	DefaultStepMS   = 3000
	DefaultLengthMS = 10000
)

// Transcriber is the part of a whisper session the controller drives.
type Transcriber interface {
	Full(ctx context.Context, p whisper.Params, samples []float32) error
	Segments() []whisper.Segment
	ResetContext()
}

// Config controls the sliding window.
type Config struct {
	// StepMS is the amount of new audio consumed per iteration.
	StepMS int `mapstructure:"step_ms"`
	// LengthMS bounds the window handed to the decoder, old audio included.
	LengthMS int `mapstructure:"length_ms"`
	// KeepContext carries decoded tokens into the next iteration's prompt.
	KeepContext bool `mapstructure:"keep_context"`
	SampleRate  int  `mapstructure:"sample_rate"`

	Params whisper.Params `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.StepMS <= 0 {
		c.StepMS = DefaultStepMS
	}
	if c.LengthMS <= 0 {
		c.LengthMS = DefaultLengthMS
	}
	if c.SampleRate <= 0 {
		c.SampleRate = mel.SampleRate
	}
	if c.Params.Threads <= 0 {
		c.Params = whisper.DefaultParams(whisper.SamplingGreedy)
	}
	return c
}

// StepSamples is the number of samples consumed per iteration.
func (c Config) StepSamples() int {
	c = c.withDefaults()
	return c.StepMS * c.SampleRate / 1000
}

// LengthSamples is the maximum window size in samples.
func (c Config) LengthSamples() int {
	c = c.withDefaults()
	return c.LengthMS * c.SampleRate / 1000
}

// QueueCapacity is a queue size that leaves room for the backpressure check
// to see more than two steps of pending audio.
func (c Config) QueueCapacity() int {
	return max(c.LengthSamples(), 3*c.StepSamples())
}

// NewLineEvery is the number of iterations after which the window and the
// carried context are reset.
func (c Config) NewLineEvery() int {
	c = c.withDefaults()
	return max(1, c.LengthMS/c.StepMS-1)
}

// Iteration is the result of one controller step.
type Iteration struct {
	Index    int
	Segments []whisper.Segment
	// Window is the number of samples decoded, trailing audio included.
	Window int
	// NewLine is set on the iteration after which context was reset.
	NewLine bool
	// Dropped counts queued samples discarded before this iteration.
	Dropped int
	// Truncated is set when the decoder hit its output limit.
	Truncated bool
	// Final is set on the last, possibly short, iteration after the
	// producer closed the queue.
	Final   bool
	Elapsed time.Duration
}

// Controller pulls audio from a Queue, decodes it in overlapping windows and
// resets context periodically.
type Controller struct {
	t     Transcriber
	q     *Queue
	cfg   Config
	log   zerolog.Logger
	stats *telemetry.Recorder

	nStep    int
	nLen     int
	nNewLine int

	old  []float32
	iter int
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option         { return func(c *Controller) { c.log = l } }
func WithRecorder(r *telemetry.Recorder) Option { return func(c *Controller) { c.stats = r } }

// NewController validates cfg and binds t to q.
func NewController(t Transcriber, q *Queue, cfg Config, opts ...Option) (*Controller, error) {
	cfg = cfg.withDefaults()
	if cfg.StepMS > cfg.LengthMS {
		return nil, fmt.Errorf("stream: step %d ms is longer than length %d ms", cfg.StepMS, cfg.LengthMS)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		t:        t,
		q:        q,
		cfg:      cfg,
		log:      log.Logger,
		nStep:    cfg.StepSamples(),
		nLen:     cfg.LengthSamples(),
		nNewLine: cfg.NewLineEvery(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log.Info().
		Int("step_ms", cfg.StepMS).
		Int("length_ms", cfg.LengthMS).
		Int("new_line_every", c.nNewLine).
		Bool("keep_context", cfg.KeepContext).
		Msg("stream: controller configured")
	return c, nil
}

// Step waits for one step of new audio, decodes it together with the
// trailing audio of the previous iteration and returns the segments.
// It returns io.EOF once the queue is closed and drained.
func (c *Controller) Step(ctx context.Context) (Iteration, error) {
	it := Iteration{Index: c.iter}

	for {
		if c.iter > 0 {
			if n := c.q.Len(); n > 2*c.nStep {
				dropped := c.q.Clear()
				it.Dropped += dropped
				c.stats.RecordDrop(dropped)
				c.log.Warn().Int("dropped", dropped).Msg("stream: cannot process audio fast enough, dropping audio")
			}
		}
		err := c.q.Wait(ctx, c.nStep)
		if errors.Is(err, io.EOF) {
			if c.q.Len() == 0 {
				return it, io.EOF
			}
			it.Final = true
			break
		}
		if err != nil {
			return it, err
		}
		if c.iter > 0 && c.q.Len() > 2*c.nStep {
			continue
		}
		break
	}

	start := time.Now()
	fresh := c.q.Dequeue(0)
	take := min(len(c.old), max(0, c.nLen-len(fresh)))
	window := make([]float32, 0, take+len(fresh))
	window = append(window, c.old[len(c.old)-take:]...)
	window = append(window, fresh...)
	it.Window = len(window)

	p := c.cfg.Params
	p.NoContext = !c.cfg.KeepContext
	err := c.t.Full(ctx, p, window)
	switch {
	case errors.Is(err, whisper.ErrTruncatedOutput):
		it.Truncated = true
	case err != nil:
		return it, err
	}
	it.Segments = c.t.Segments()

	c.old = window[max(0, len(window)-c.nLen):]
	c.iter++
	if c.iter%c.nNewLine == 0 {
		it.NewLine = true
		c.old = nil
		c.t.ResetContext()
	}

	it.Elapsed = time.Since(start)
	c.stats.RecordStep(it.Elapsed)
	c.log.Debug().
		Int("iteration", it.Index).
		Int("window", it.Window).
		Int("segments", len(it.Segments)).
		Bool("new_line", it.NewLine).
		Dur("elapsed", it.Elapsed).
		Msg("stream: iteration done")
	return it, nil
}

// Run steps until the queue is closed and drained, ctx is done, or
// onIteration returns an error.
func (c *Controller) Run(ctx context.Context, onIteration func(Iteration) error) error {
	for {
		it, err := c.Step(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if onIteration != nil {
			if err := onIteration(it); err != nil {
				return err
			}
		}
	}
}

// Iterations is the number of completed steps.
func (c *Controller) Iterations() int { return c.iter }
