// Package session orchestrates one interaction end to end.
//
// Flow per request:
//
//	lock(key) → ensure tab → snapshot turns/text → attach → input → submit
//	  → completion wait → stability wait → tiered extraction
//	  → staleness check → exact-token check → unlock
//
// Requests sharing a key (a platform, a platform session, or nothing at all
// in disposable mode) are serialized by the lock queue; everything that
// touches a tab happens inside that critical section.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatrelay/internal/adapter"
	"chatrelay/internal/config"
	"chatrelay/internal/connection"
	"chatrelay/internal/detect"
	"chatrelay/internal/driver"
	"chatrelay/internal/extract"
	"chatrelay/internal/failure"
	"chatrelay/internal/lock"
	"chatrelay/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request is one interaction.
type Request struct {
	Platform    string
	Prompt      string
	Attachments []adapter.Attachment
	SessionID   string
	// Expect, when set, is the literal the reply must equal or contain.
	Expect string
}

// Response is a successful interaction.
type Response struct {
	Text       string `json:"text"`
	Platform   string `json:"platform"`
	RequestID  string `json:"request_id"`
	Strategy   string `json:"strategy"`
	Stale      bool   `json:"stale,omitempty"`
	ExactMatch bool   `json:"exact_match,omitempty"`
}

// TabProvider hands out tabs. connection.Manager implements it.
type TabProvider interface {
	Ensure(ctx context.Context, platform string) (driver.Tab, error)
	EnsureSession(ctx context.Context, platform, sessionID string) (driver.Tab, error)
	OpenDisposable(ctx context.Context, platform string) (driver.Tab, error)
	Invalidate(platform, sessionID string)
}

// Options configures a Controller.
type Options struct {
	Config *config.Config
	Tabs   TabProvider
	// Binders overrides the selector adapter per platform name.
	Binders map[string]adapter.Binder
	Clock   detect.Clock
	Metrics *Metrics
	Logger  *zap.Logger
}

type platform struct {
	cfg      config.PlatformConfig
	pipeline *extract.Pipeline
	bind     adapter.Binder
}

// platformState is the mutable record kept per lock key.
type platformState struct {
	lastKnownTurnCount int
}

// Controller runs interactions.
type Controller struct {
	tabs    TabProvider
	locks   *lock.Queue
	clock   detect.Clock
	metrics *Metrics
	log     *zap.Logger
	binders map[string]adapter.Binder

	mu        sync.RWMutex
	cfg       *config.Config
	platforms map[string]*platform
	states    map[string]*platformState
}

// NewController builds a controller over the configured platforms.
func NewController(opts Options) (*Controller, error) {
	if opts.Config == nil || opts.Tabs == nil {
		return nil, errors.New("session: config and tab provider are required")
	}
	if opts.Clock == nil {
		opts.Clock = detect.RealClock{}
	}
	c := &Controller{
		tabs:    opts.Tabs,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logging.Or(opts.Logger, logging.CategorySession),
		binders: opts.Binders,
		states:  make(map[string]*platformState),
	}
	c.locks = lock.New(lock.Options{
		Logger:   logging.Get(logging.CategoryLock),
		OnOrphan: func(key string, err error) { c.metrics.recordOrphan(key) },
	})
	platforms, err := c.buildPlatforms(opts.Config)
	if err != nil {
		return nil, err
	}
	c.cfg = opts.Config
	c.platforms = platforms
	for _, p := range platforms {
		c.metrics.Touch(p.cfg.Name)
	}
	return c, nil
}

func (c *Controller) buildPlatforms(cfg *config.Config) (map[string]*platform, error) {
	out := make(map[string]*platform, len(cfg.Platforms))
	for _, pc := range cfg.Platforms {
		pipeline, err := extract.New(extract.Options{
			Chrome:      pc.Chrome,
			RoleLabels:  pc.RoleLabels,
			Disqualify:  pc.Disqualify,
			AXTurnRoles: pc.AXTurnRoles,
			MaxGroups:   cfg.Extraction.SnapshotMaxGroups,
			MaxNodes:    cfg.Extraction.SnapshotMaxNodes,
			Logger:      logging.Get(logging.CategoryExtract).With(zap.String("platform", pc.Name)),
		})
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", pc.Name, err)
		}
		bind, ok := c.binders[pc.Name]
		if !ok {
			bind = adapter.SelectorBinder(adapter.Selectors{
				Input:     pc.Selectors.Input,
				Submit:    pc.Selectors.Submit,
				Turn:      pc.Selectors.Turn,
				Busy:      pc.Selectors.Busy,
				Reply:     pc.Selectors.Reply,
				FileInput: pc.Selectors.FileInput,
			})
		}
		out[strings.ToLower(pc.Name)] = &platform{cfg: pc, pipeline: pipeline, bind: bind}
	}
	return out, nil
}

// Reconfigure applies reloaded tunables to subsequent requests. Platforms
// added or removed by the new config are ignored until restart.
func (c *Controller) Reconfigure(cfg *config.Config) error {
	platforms, err := c.buildPlatforms(cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range platforms {
		if _, ok := c.platforms[name]; !ok {
			c.log.Warn("new platform in reloaded config ignored until restart", zap.String("platform", name))
			delete(platforms, name)
		}
	}
	for name, p := range c.platforms {
		if _, ok := platforms[name]; !ok {
			platforms[name] = p
		}
	}
	c.cfg = cfg
	c.platforms = platforms
	c.log.Info("configuration reloaded",
		zap.Duration("response_wait", cfg.GetResponseWait()),
		zap.Duration("poll_interval", cfg.GetPollInterval()))
	return nil
}

func (c *Controller) snapshot(name string) (*config.Config, *platform, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.platforms[strings.ToLower(name)]
	if !ok {
		return nil, nil, failure.New(failure.KindUnknownPlatform, name, "platform is not configured")
	}
	return c.cfg, p, nil
}

// Submit runs req and returns the reply or a *failure.Error.
func (c *Controller) Submit(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	requestID := uuid.NewString()

	cfg, p, err := c.snapshot(req.Platform)
	if err != nil {
		c.metrics.recordOutcome(req.Platform, string(failure.KindUnknownPlatform), time.Since(start))
		return nil, err
	}
	name := p.cfg.Name
	key := lockKey(cfg.Mode, name, req.SessionID, requestID)
	log := c.log.With(
		zap.String("request_id", requestID),
		zap.String("platform", name),
		zap.String("key", key))

	timeout := cfg.GetLockTimeout(name, len(req.Attachments) > 0)
	log.Info("interaction queued", zap.Duration("lock_timeout", timeout), zap.Int("attachments", len(req.Attachments)))

	resp, err := lock.Do(ctx, c.locks, key, timeout, func(ctx context.Context) (*Response, error) {
		return c.interact(ctx, cfg, p, key, req, requestID, log)
	})
	took := time.Since(start)
	if err != nil {
		err = failure.WithPlatform(err, name)
		kind := failure.KindOf(err)
		if kind == failure.KindLockTimeout {
			c.metrics.recordLockTimeout(name)
		}
		c.metrics.recordOutcome(name, string(kind), took)
		log.Warn("interaction failed", zap.String("kind", string(kind)), zap.Duration("took", took), zap.Error(err))
		return nil, err
	}
	c.metrics.recordOutcome(name, "ok", took)
	c.metrics.recordStrategy(name, resp.Strategy)
	log.Info("interaction complete",
		zap.String("strategy", resp.Strategy),
		zap.Bool("stale", resp.Stale),
		zap.Int("chars", len(resp.Text)),
		zap.Duration("took", took))
	return resp, nil
}

// lockKey is the serialization key: the platform in persistent mode, the
// platform session in multi-session mode, and a per-request key in
// disposable mode where every request owns its tab.
func lockKey(mode, platform, sessionID, requestID string) string {
	switch {
	case mode == config.ModeDisposable:
		return connection.SessionKey(platform, "req-"+requestID)
	case mode == config.ModeMultiSession && sessionID != "":
		return connection.SessionKey(platform, sessionID)
	default:
		return platform
	}
}

func (c *Controller) state(key string) *platformState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok {
		st = &platformState{}
		c.states[key] = st
	}
	return st
}

// forget drops the turn-count memory for key once its tab is gone.
func (c *Controller) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, key)
}

func (c *Controller) acquireTab(ctx context.Context, mode, name, sessionID string) (driver.Tab, func(), error) {
	switch {
	case mode == config.ModeDisposable:
		tab, err := c.tabs.OpenDisposable(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		return tab, func() { _ = tab.Close() }, nil
	case mode == config.ModeMultiSession && sessionID != "":
		tab, err := c.tabs.EnsureSession(ctx, name, sessionID)
		return tab, func() {}, err
	default:
		tab, err := c.tabs.Ensure(ctx, name)
		return tab, func() {}, err
	}
}

func (c *Controller) interact(ctx context.Context, cfg *config.Config, p *platform, key string, req Request, requestID string, log *zap.Logger) (*Response, error) {
	name := p.cfg.Name
	sessionID := req.SessionID
	if cfg.Mode != config.ModeMultiSession {
		sessionID = ""
	}

	tab, release, err := c.acquireTab(ctx, cfg.Mode, name, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	ad := p.bind(tab)
	src := extract.Source{Tab: tab, Adapter: ad}
	cleaner := p.pipeline.Judge().Cleaner()
	st := &platformState{}
	if cfg.Mode != config.ModeDisposable {
		st = c.state(key)
	}

	before, err := ad.CountTurns(ctx)
	if err != nil {
		return nil, c.adapterErr(name, sessionID, err, "reading turn count before submit")
	}
	if before < st.lastKnownTurnCount {
		log.Debug("turn count dropped since last interaction; page was reloaded or reset",
			zap.Int("turns", before), zap.Int("last_known", st.lastKnownTurnCount))
	}
	st.lastKnownTurnCount = before

	preText := ""
	if text, found, err := ad.ExtractText(ctx); err == nil && found {
		preText = cleaner.Clean(text)
	}

	for _, att := range req.Attachments {
		if err := ad.UploadAttachment(ctx, att); err != nil {
			if errors.Is(err, adapter.ErrUnsupported) {
				return nil, failure.Wrap(failure.KindAttachmentUnsupported, name, err, "cannot attach %s", att.Name)
			}
			return nil, c.adapterErr(name, sessionID, err, "uploading %s", att.Name)
		}
	}

	ok, err := ad.SetInput(ctx, req.Prompt)
	if err != nil {
		return nil, c.adapterErr(name, sessionID, err, "setting input")
	}
	if !ok {
		return nil, c.blockedOr(ctx, tab, p, failure.New(failure.KindInputNotFound, name, "input surface missing or rejected the prompt"))
	}
	ok, err = ad.TriggerSubmit(ctx)
	if err != nil {
		return nil, c.adapterErr(name, sessionID, err, "triggering submit")
	}
	if !ok {
		return nil, failure.New(failure.KindSubmitNotFound, name, "no submit control and no input to send Enter to")
	}

	completion := detect.NewCompletion(detect.CompletionOptions{
		Interval:      cfg.GetPollInterval(),
		Ceiling:       cfg.GetResponseWait(),
		RequiredDelta: p.cfg.TurnDelta(),
		Clock:         c.clock,
		Logger:        log,
	})
	if err := completion.Wait(ctx, ad, before); err != nil {
		if failure.Is(err, failure.KindResponseTimeout) {
			return nil, c.blockedOr(ctx, tab, p, err)
		}
		return nil, err
	}
	st.lastKnownTurnCount = completion.Turns()
	log.Debug("reply started", zap.Int("poll", completion.Polls()), zap.Int("turns", completion.Turns()))

	stability := detect.NewStability(detect.StabilityOptions{
		Interval:        cfg.GetPollInterval(),
		Ceiling:         cfg.GetStabilityWait(),
		RequiredRepeats: cfg.GetRequiredRepeats(),
		Clock:           c.clock,
		Logger:          log,
	})
	settled, err := stability.Wait(ctx, func(ctx context.Context) (string, error) {
		text, found, err := ad.ExtractText(ctx)
		if err != nil || !found {
			return "", err
		}
		return cleaner.Clean(text), nil
	})
	if err != nil {
		return nil, failure.Wrap(failure.KindResponseTimeout, name, err, "waiting for stream to settle")
	}
	if !settled.Settled {
		log.Warn("reply never stabilized; continuing with last sample",
			zap.String("kind", string(failure.KindUnstable)),
			zap.Int("poll", settled.Polls))
	}

	res := p.pipeline.Extract(ctx, src, extract.Request{Prompt: req.Prompt})
	resp := &Response{
		Text:      res.Text,
		Platform:  name,
		RequestID: requestID,
		Strategy:  res.Strategy,
	}

	if resp.Text != "" && preText != "" && resp.Text == preText {
		c.metrics.recordStale(name)
		fb := p.pipeline.Fallback(ctx, src, extract.Request{Prompt: req.Prompt, Exclude: preText})
		if fb.Found() {
			log.Info("stale reply replaced by fallback", zap.String("strategy", fb.Strategy))
			resp.Text, resp.Strategy = fb.Text, fb.Strategy
		} else {
			log.Warn("reply equals pre-submit text and no fallback found newer text")
			resp.Stale = true
		}
	}

	empty := func() error {
		return c.blockedOr(ctx, tab, p, failure.New(failure.KindExtractionEmpty, name,
			"no extraction tier found reply text (%s)", describeAttempts(res.Attempts)))
	}
	if req.Expect != "" {
		if err := c.checkExact(ctx, p, src, req.Expect, resp, log); err != nil {
			if resp.Text == "" {
				return nil, empty()
			}
			return nil, err
		}
	}

	if resp.Text == "" {
		return nil, empty()
	}
	return resp, nil
}

// checkExact enforces the expected literal: equality passes; otherwise the
// fallback tiers look for the literal itself, and containment in the text
// already extracted is the last resort.
func (c *Controller) checkExact(ctx context.Context, p *platform, src extract.Source, expect string, resp *Response, log *zap.Logger) error {
	if resp.Text == expect {
		resp.ExactMatch = true
		return nil
	}
	fb := p.pipeline.Fallback(ctx, src, extract.Request{Exact: expect})
	if fb.Found() {
		log.Info("exact literal located by fallback", zap.String("strategy", fb.Strategy))
		resp.Text, resp.Strategy, resp.ExactMatch = fb.Text, fb.Strategy, true
		return nil
	}
	if resp.Text != "" && strings.Contains(resp.Text, expect) {
		resp.ExactMatch = true
		return nil
	}
	return failure.New(failure.KindExpectationMismatch, p.cfg.Name,
		"expected %q, got %q", expect, truncate(resp.Text, 200))
}

func (c *Controller) adapterErr(platform, sessionID string, err error, format string, args ...any) error {
	if errors.Is(err, driver.ErrDisconnected) {
		c.tabs.Invalidate(platform, sessionID)
		if sessionID != "" {
			c.forget(connection.SessionKey(platform, sessionID))
		} else {
			c.forget(platform)
		}
		return failure.Wrap(failure.KindConnection, platform, err, format, args...)
	}
	return failure.Wrap(failure.KindAdapter, platform, err, format, args...)
}

// blockedOr returns a KindBlocked failure when the page shows a known
// block marker, otherwise fallback.
func (c *Controller) blockedOr(ctx context.Context, tab driver.Tab, p *platform, fallback error) error {
	reason, marker, err := detectBlock(ctx, tab, p.cfg.BlockMarkers)
	if err != nil {
		c.log.Debug("block probe failed", zap.String("platform", p.cfg.Name), zap.Error(err))
		return fallback
	}
	if reason == "" {
		return fallback
	}
	return failure.Blocked(p.cfg.Name, reason, marker)
}

func describeAttempts(attempts []extract.Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		s := a.Strategy + "=" + a.Outcome.String()
		if a.Err != nil {
			s += " (" + a.Err.Error() + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
