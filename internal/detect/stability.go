package detect

import (
	"context"
	"time"

	"chatrelay/internal/logging"

	"go.uber.org/zap"
)

// TextSource reads the currently visible reply.
type TextSource func(ctx context.Context) (string, error)

// StabilityOptions configures a Stability detector.
type StabilityOptions struct {
	Interval        time.Duration
	Ceiling         time.Duration
	RequiredRepeats int
	Clock           Clock
	Logger          *zap.Logger
}

// StabilityResult is the outcome of a stability wait.
type StabilityResult struct {
	Text    string
	Polls   int
	Settled bool
}

// Stability waits for streamed text to stop changing.
type Stability struct {
	opts StabilityOptions
	log  *zap.Logger
}

// NewStability returns a Stability detector.
func NewStability(opts StabilityOptions) *Stability {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = 30 * time.Second
	}
	if opts.RequiredRepeats <= 0 {
		opts.RequiredRepeats = 3
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &Stability{opts: opts, log: logging.Or(opts.Logger, logging.CategoryDetect)}
}

// Wait polls src until RequiredRepeats consecutive polls return the same
// non-empty text as the poll before them. If the ceiling passes first it
// returns the last non-empty sample with Settled false and no error; the
// caller's validation decides whether that text is usable.
func (s *Stability) Wait(ctx context.Context, src TextSource) (StabilityResult, error) {
	var res StabilityResult
	var prev string
	repeats := 0
	maxPolls := pollsWithin(s.opts.Ceiling, s.opts.Interval)

	for res.Polls < maxPolls {
		if err := s.opts.Clock.Sleep(ctx, s.opts.Interval); err != nil {
			return res, err
		}
		res.Polls++

		text, err := src(ctx)
		if err != nil {
			s.log.Debug("stability sample failed", zap.Int("poll", res.Polls), zap.Error(err))
			text = ""
		}
		if text == "" {
			prev, repeats = "", 0
			continue
		}

		res.Text = text
		if text == prev {
			repeats++
		} else {
			prev, repeats = text, 0
		}
		if repeats >= s.opts.RequiredRepeats {
			res.Settled = true
			return res, nil
		}
	}

	s.log.Warn("stream never settled; using last sample",
		zap.Int("poll", res.Polls),
		zap.Int("chars", len(res.Text)))
	return res, nil
}
