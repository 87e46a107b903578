// Package detect turns the racy signals a chat page exposes into bounded
// completion decisions. Both detectors are explicit state machines driven by
// an injectable Clock, so tests advance virtual time instead of sleeping.
package detect

import (
	"context"
	"time"

	"chatrelay/internal/failure"
	"chatrelay/internal/logging"

	"go.uber.org/zap"
)

// Phase is the CompletionDetector state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitted
	PhaseTurnsSatisfied
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseSubmitted:
		return "submitted"
	case PhaseTurnsSatisfied:
		return "turns_satisfied"
	case PhaseTimedOut:
		return "timed_out"
	default:
		return "idle"
	}
}

// TurnProbe reads the completion signals of a page. adapter.Adapter
// satisfies it.
type TurnProbe interface {
	CountTurns(ctx context.Context) (int, error)
	IsBusy(ctx context.Context) (bool, error)
}

// CompletionOptions configures a Completion detector.
type CompletionOptions struct {
	Interval      time.Duration
	Ceiling       time.Duration
	RequiredDelta int
	// MaxReadErrors is how many consecutive failed polls are tolerated.
	MaxReadErrors int
	Clock         Clock
	Logger        *zap.Logger
}

// Completion waits for a new reply to begin: the turn count must grow by
// RequiredDelta and the page must not be busy, observed on the same poll.
type Completion struct {
	opts  CompletionOptions
	log   *zap.Logger
	phase Phase
	polls int
	turns int
}

// NewCompletion returns an Idle detector.
func NewCompletion(opts CompletionOptions) *Completion {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = 5 * time.Minute
	}
	if opts.RequiredDelta <= 0 {
		opts.RequiredDelta = 2
	}
	if opts.MaxReadErrors <= 0 {
		opts.MaxReadErrors = 3
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &Completion{opts: opts, log: logging.Or(opts.Logger, logging.CategoryDetect)}
}

// Phase returns the current state.
func (c *Completion) Phase() Phase { return c.phase }

// Polls returns the number of polls taken by the last Wait.
func (c *Completion) Polls() int { return c.polls }

// Turns returns the last turn count read.
func (c *Completion) Turns() int { return c.turns }

// Wait moves the detector to Submitted and polls until TurnsSatisfied or
// the ceiling is reached. turnsBefore is the count read before submission.
func (c *Completion) Wait(ctx context.Context, probe TurnProbe, turnsBefore int) error {
	c.phase = PhaseSubmitted
	c.polls = 0
	target := turnsBefore + c.opts.RequiredDelta
	maxPolls := pollsWithin(c.opts.Ceiling, c.opts.Interval)
	readErrors := 0

	for c.polls < maxPolls {
		if err := c.opts.Clock.Sleep(ctx, c.opts.Interval); err != nil {
			c.phase = PhaseTimedOut
			return failure.Wrap(failure.KindResponseTimeout, "", err, "waiting for reply")
		}
		c.polls++

		turns, busy, err := c.read(ctx, probe)
		if err != nil {
			readErrors++
			c.log.Debug("completion poll failed", zap.Int("poll", c.polls), zap.Error(err))
			if readErrors > c.opts.MaxReadErrors {
				return failure.Wrap(failure.KindAdapter, "", err, "completion signals unreadable for %d polls", readErrors)
			}
			continue
		}
		readErrors = 0
		c.turns = turns

		if turns >= target && !busy {
			c.phase = PhaseTurnsSatisfied
			c.log.Debug("turns satisfied",
				zap.Int("poll", c.polls),
				zap.Int("turns", turns),
				zap.Int("target", target))
			return nil
		}
	}

	c.phase = PhaseTimedOut
	return failure.New(failure.KindResponseTimeout, "",
		"turn count stayed below %d or page stayed busy for %s (last count %d)",
		target, c.opts.Ceiling, c.turns)
}

func (c *Completion) read(ctx context.Context, probe TurnProbe) (int, bool, error) {
	turns, err := probe.CountTurns(ctx)
	if err != nil {
		return 0, false, err
	}
	busy, err := probe.IsBusy(ctx)
	if err != nil {
		return 0, false, err
	}
	return turns, busy, nil
}

func pollsWithin(ceiling, interval time.Duration) int {
	n := int(ceiling / interval)
	if ceiling%interval != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
