package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/failure"
)

// scriptedProbe answers each poll from per-poll functions.
type scriptedProbe struct {
	poll  int
	turns func(poll int) int
	busy  func(poll int) bool
	fail  func(poll int) bool
}

func (p *scriptedProbe) CountTurns(ctx context.Context) (int, error) {
	p.poll++
	if p.fail != nil && p.fail(p.poll) {
		return 0, errors.New("eval failed")
	}
	return p.turns(p.poll), nil
}

func (p *scriptedProbe) IsBusy(ctx context.Context) (bool, error) {
	return p.busy(p.poll), nil
}

func newTestCompletion(clock Clock, delta int) *Completion {
	return NewCompletion(CompletionOptions{
		Interval:      time.Second,
		Ceiling:       time.Minute,
		RequiredDelta: delta,
		Clock:         clock,
	})
}

func TestCompletion_SettlesWhenBusyClears(t *testing.T) {
	// turnsBefore=4, delta=2; count reaches 6 at poll 3 but the page
	// stays busy until poll 8.
	probe := &scriptedProbe{
		turns: func(poll int) int {
			if poll >= 3 {
				return 6
			}
			return 4 + poll/2
		},
		busy: func(poll int) bool { return poll < 8 },
	}
	clock := NewFakeClock(time.Unix(0, 0))
	c := newTestCompletion(clock, 2)

	if c.Phase() != PhaseIdle {
		t.Fatalf("initial phase = %v, want idle", c.Phase())
	}
	if err := c.Wait(context.Background(), probe, 4); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if c.Polls() != 8 {
		t.Errorf("settled at poll %d, want 8", c.Polls())
	}
	if c.Phase() != PhaseTurnsSatisfied {
		t.Errorf("phase = %v, want turns_satisfied", c.Phase())
	}
	if got := clock.Now().Sub(time.Unix(0, 0)); got != 8*time.Second {
		t.Errorf("virtual time elapsed = %v, want 8s", got)
	}
}

func TestCompletion_NeverSatisfiedWhileBusy(t *testing.T) {
	probe := &scriptedProbe{
		turns: func(int) int { return 100 },
		busy:  func(int) bool { return true },
	}
	c := newTestCompletion(NewFakeClock(time.Unix(0, 0)), 2)

	err := c.Wait(context.Background(), probe, 4)
	if !failure.Is(err, failure.KindResponseTimeout) {
		t.Fatalf("expected response_timeout, got %v", err)
	}
	if c.Phase() != PhaseTimedOut {
		t.Errorf("phase = %v, want timed_out", c.Phase())
	}
	if c.Polls() != 60 {
		t.Errorf("polls = %d, want 60", c.Polls())
	}
}

func TestCompletion_RequiresFullDelta(t *testing.T) {
	probe := &scriptedProbe{
		turns: func(int) int { return 5 },
		busy:  func(int) bool { return false },
	}
	c := newTestCompletion(NewFakeClock(time.Unix(0, 0)), 2)
	if err := c.Wait(context.Background(), probe, 4); !failure.Is(err, failure.KindResponseTimeout) {
		t.Errorf("delta 1 of 2 should time out, got %v", err)
	}

	probe = &scriptedProbe{
		turns: func(int) int { return 5 },
		busy:  func(int) bool { return false },
	}
	c = newTestCompletion(NewFakeClock(time.Unix(0, 0)), 1)
	if err := c.Wait(context.Background(), probe, 4); err != nil {
		t.Errorf("delta 1 of 1 should settle, got %v", err)
	}
	if c.Polls() != 1 {
		t.Errorf("polls = %d, want 1", c.Polls())
	}
}

func TestCompletion_ReadErrors(t *testing.T) {
	tests := []struct {
		name     string
		fail     func(int) bool
		wantKind failure.Kind
	}{
		{"three transient errors tolerated", func(p int) bool { return p <= 3 }, ""},
		{"fourth consecutive error surfaces", func(p int) bool { return p <= 4 }, failure.KindAdapter},
		{"interleaved errors reset", func(p int) bool { return p%2 == 1 && p < 9 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := &scriptedProbe{
				turns: func(int) int { return 6 },
				busy:  func(p int) bool { return p < 10 },
				fail:  tt.fail,
			}
			c := newTestCompletion(NewFakeClock(time.Unix(0, 0)), 2)
			err := c.Wait(context.Background(), probe, 4)
			if got := failure.KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestCompletion_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	probe := &scriptedProbe{turns: func(int) int { return 0 }, busy: func(int) bool { return false }}
	c := newTestCompletion(NewFakeClock(time.Unix(0, 0)), 2)
	if err := c.Wait(ctx, probe, 0); !failure.Is(err, failure.KindResponseTimeout) {
		t.Errorf("expected response_timeout, got %v", err)
	}
}

func samples(seq ...string) (TextSource, *int) {
	calls := 0
	return func(context.Context) (string, error) {
		calls++
		if calls > len(seq) {
			return seq[len(seq)-1], nil
		}
		return seq[calls-1], nil
	}, &calls
}

func newTestStability(clock Clock) *Stability {
	return NewStability(StabilityOptions{
		Interval:        time.Second,
		Ceiling:         30 * time.Second,
		RequiredRepeats: 3,
		Clock:           clock,
	})
}

func TestStability_SettlesAfterStreaming(t *testing.T) {
	src, _ := samples("Hello", "Hello", "Hello there", "Hello there", "Hello there", "Hello there")
	s := newTestStability(NewFakeClock(time.Unix(0, 0)))

	res, err := s.Wait(context.Background(), src)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !res.Settled || res.Polls != 6 || res.Text != "Hello there" {
		t.Errorf("got %+v, want settled at poll 6 with %q", res, "Hello there")
	}
}

func TestStability_EmptySamplesDoNotCount(t *testing.T) {
	src, _ := samples("", "", "", "", "done", "done", "done", "done")
	s := newTestStability(NewFakeClock(time.Unix(0, 0)))

	res, err := s.Wait(context.Background(), src)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Polls != 8 || !res.Settled {
		t.Errorf("got %+v, want settled at poll 8", res)
	}
}

func TestStability_NeverSettledReturnsLastSample(t *testing.T) {
	n := 0
	src := func(context.Context) (string, error) {
		n++
		return string(rune('a' + n%26)), nil
	}
	clock := NewFakeClock(time.Unix(0, 0))
	s := newTestStability(clock)

	res, err := s.Wait(context.Background(), src)
	if err != nil {
		t.Fatalf("unstable stream should not error, got %v", err)
	}
	if res.Settled {
		t.Error("should not report settled")
	}
	if res.Polls != 30 || res.Text == "" {
		t.Errorf("got %+v, want 30 polls with last sample", res)
	}
	if clock.Sleeps() != 30 {
		t.Errorf("sleeps = %d, want 30", clock.Sleeps())
	}
}

func TestStability_ReadErrorBreaksRun(t *testing.T) {
	calls := 0
	src := func(context.Context) (string, error) {
		calls++
		if calls == 3 {
			return "", errors.New("detached")
		}
		return "steady", nil
	}
	s := newTestStability(NewFakeClock(time.Unix(0, 0)))
	res, err := s.Wait(context.Background(), src)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	// polls 1-2 build a run, poll 3 fails, polls 4..7 rebuild it
	if res.Polls != 7 || !res.Settled {
		t.Errorf("got %+v, want settled at poll 7", res)
	}
}

func TestPollsWithin(t *testing.T) {
	tests := []struct {
		ceiling, interval time.Duration
		want              int
	}{
		{time.Minute, time.Second, 60},
		{1500 * time.Millisecond, time.Second, 2},
		{time.Millisecond, time.Second, 1},
	}
	for _, tt := range tests {
		if got := pollsWithin(tt.ceiling, tt.interval); got != tt.want {
			t.Errorf("pollsWithin(%v, %v) = %d, want %d", tt.ceiling, tt.interval, got, tt.want)
		}
	}
}
