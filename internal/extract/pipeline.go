// Package extract reads the newest reply off a chat page through a list of
// tiers, cheapest and most precise first. Each tier is a Strategy whose
// TryExtract returns a tagged Attempt; the Pipeline folds over them and
// stops at the first Found.
package extract

import (
	"context"
	"fmt"
	"regexp"

	"chatrelay/internal/adapter"
	"chatrelay/internal/driver"
	"chatrelay/internal/logging"

	"go.uber.org/zap"
)

// Outcome tags an Attempt.
type Outcome int

const (
	NotFound Outcome = iota
	Found
	Disqualified
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Disqualified:
		return "disqualified"
	default:
		return "not_found"
	}
}

// Attempt is the result of one tier.
type Attempt struct {
	Strategy string
	Outcome  Outcome
	Text     string
	Err      error
}

// Source is what strategies read from.
type Source struct {
	Tab     driver.Tab
	Adapter adapter.Adapter
}

// Request narrows what counts as a reply.
type Request struct {
	// Prompt is the text just sent; echoes of it are never a reply and it
	// anchors the snapshot scan.
	Prompt string
	// Exact, when set, restricts tiers to locating this literal.
	Exact string
	// Exclude is text known to be stale; candidates equal to it are skipped.
	Exclude string
}

// Strategy is one extraction tier.
type Strategy interface {
	Name() string
	TryExtract(ctx context.Context, src Source, req Request) Attempt
}

// Result is the folded outcome of a pipeline run.
type Result struct {
	Text     string
	Strategy string
	Attempts []Attempt
}

// Found reports whether any tier produced text.
func (r Result) Found() bool { return r.Strategy != "" }

// Options configures a Pipeline.
type Options struct {
	Chrome      []string
	RoleLabels  []string
	Disqualify  []string
	AXTurnRoles []string
	MaxGroups   int
	MaxNodes    int
	Logger      *zap.Logger
}

// Pipeline runs the primary, accessibility, and snapshot tiers in order.
type Pipeline struct {
	judge      *Judge
	strategies []Strategy
	log        *zap.Logger
}

// New builds the standard three-tier pipeline.
func New(opts Options) (*Pipeline, error) {
	judge, err := NewJudge(NewCleaner(opts.Chrome, opts.RoleLabels), opts.Disqualify)
	if err != nil {
		return nil, err
	}
	return NewWithStrategies(judge, opts.Logger,
		&Primary{judge: judge},
		&Accessibility{judge: judge, roles: opts.AXTurnRoles},
		&Snapshot{judge: judge, maxGroups: opts.MaxGroups, maxNodes: opts.MaxNodes},
	), nil
}

// NewWithStrategies builds a pipeline over arbitrary tiers. The first tier
// is treated as primary and skipped by Fallback.
func NewWithStrategies(judge *Judge, logger *zap.Logger, strategies ...Strategy) *Pipeline {
	return &Pipeline{
		judge:      judge,
		strategies: strategies,
		log:        logging.Or(logger, logging.CategoryExtract),
	}
}

// Judge returns the pipeline's cleaning and disqualification rules.
func (p *Pipeline) Judge() *Judge { return p.judge }

// Extract runs every tier until one finds text.
func (p *Pipeline) Extract(ctx context.Context, src Source, req Request) Result {
	return p.fold(ctx, src, req, p.strategies)
}

// Fallback runs every tier after the primary one.
func (p *Pipeline) Fallback(ctx context.Context, src Source, req Request) Result {
	if len(p.strategies) < 2 {
		return Result{}
	}
	return p.fold(ctx, src, req, p.strategies[1:])
}

func (p *Pipeline) fold(ctx context.Context, src Source, req Request, tiers []Strategy) Result {
	var res Result
	for _, s := range tiers {
		a := s.TryExtract(ctx, src, req)
		a.Strategy = s.Name()
		res.Attempts = append(res.Attempts, a)
		p.log.Debug("extraction tier",
			zap.String("strategy", a.Strategy),
			zap.Stringer("outcome", a.Outcome),
			zap.Int("chars", len(a.Text)),
			zap.Error(a.Err))
		if a.Outcome == Found {
			res.Text = a.Text
			res.Strategy = a.Strategy
			return res
		}
	}
	return res
}

// Judge cleans raw candidates and classifies them.
type Judge struct {
	cleaner    *Cleaner
	disqualify []*regexp.Regexp
}

// NewJudge compiles the disqualifying patterns.
func NewJudge(cleaner *Cleaner, disqualify []string) (*Judge, error) {
	j := &Judge{cleaner: cleaner}
	for _, d := range disqualify {
		re, err := regexp.Compile(d)
		if err != nil {
			return nil, fmt.Errorf("invalid disqualify pattern %q: %w", d, err)
		}
		j.disqualify = append(j.disqualify, re)
	}
	return j, nil
}

// Cleaner returns the text cleaner.
func (j *Judge) Cleaner() *Cleaner { return j.cleaner }

// Classify cleans raw and tags it for req. In exact mode only text equal to
// the literal is Found.
func (j *Judge) Classify(raw string, req Request) Attempt {
	text := j.cleaner.Clean(raw)
	switch {
	case text == "":
		return Attempt{Outcome: NotFound}
	case req.Exact != "":
		if text == j.cleaner.Clean(req.Exact) {
			return Attempt{Outcome: Found, Text: req.Exact}
		}
		return Attempt{Outcome: NotFound}
	case req.Exclude != "" && text == j.cleaner.Clean(req.Exclude):
		return Attempt{Outcome: NotFound}
	case req.Prompt != "" && text == j.cleaner.Clean(req.Prompt):
		return Attempt{Outcome: NotFound}
	}
	for _, re := range j.disqualify {
		if re.MatchString(text) {
			return Attempt{Outcome: Disqualified, Text: text}
		}
	}
	return Attempt{Outcome: Found, Text: text}
}

// First classifies candidates in order and returns the first Found. If none
// is found but one was disqualified, the result is Disqualified.
func (j *Judge) First(candidates []string, req Request) Attempt {
	best := Attempt{Outcome: NotFound}
	for _, c := range candidates {
		a := j.Classify(c, req)
		if a.Outcome == Found {
			return a
		}
		if a.Outcome == Disqualified {
			best = a
		}
	}
	return best
}
