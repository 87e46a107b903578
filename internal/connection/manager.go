// Package connection owns the single browser driver and the tab handles
// bound to each platform. The Manager connects lazily and probes cached
// tabs before reuse. A driver disconnect drops every handle.
package connection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/driver"
	"chatrelay/internal/failure"
	"chatrelay/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle of the browser session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures a Manager.
type Options struct {
	Connector      driver.Connector
	Platforms      []config.PlatformConfig
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	Logger         *zap.Logger
}

type target struct {
	name    string
	pattern *regexp.Regexp
	homeURL string
}

// Manager resolves platform tabs over one lazily-established driver.
type Manager struct {
	connector      driver.Connector
	connectTimeout time.Duration
	probeTimeout   time.Duration
	log            *zap.Logger
	targets        map[string]target

	group singleflight.Group

	mu    sync.Mutex
	state State
	drv   driver.Driver
	tabs  map[string]driver.Tab // keyed by platform or platform#session
	// claim orders persistent tab discovery against session tab opening.
	claim sync.Mutex
	// owned maps the IDs of tabs opened for sessions to their key. Entries
	// outlive Invalidate so persistent discovery never adopts such a tab.
	owned map[string]string

	closeOnce sync.Once
	done      chan struct{}
}

// NewManager compiles the platform URL patterns and returns an idle manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Connector == nil {
		return nil, errors.New("connection: connector is required")
	}
	targets := make(map[string]target, len(opts.Platforms))
	for _, p := range opts.Platforms {
		re, err := regexp.Compile(p.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("platform %s: invalid url_pattern: %w", p.Name, err)
		}
		targets[strings.ToLower(p.Name)] = target{name: p.Name, pattern: re, homeURL: p.HomeURL}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Manager{
		connector:      opts.Connector,
		connectTimeout: opts.ConnectTimeout,
		probeTimeout:   opts.ProbeTimeout,
		log:            logging.Or(opts.Logger, logging.CategoryConnection),
		targets:        targets,
		tabs:           make(map[string]driver.Tab),
		owned:          make(map[string]string),
		done:           make(chan struct{}),
	}, nil
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Platforms returns the configured platform names.
func (m *Manager) Platforms() []string {
	out := make([]string, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t.name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) lookup(platform string) (target, error) {
	t, ok := m.targets[strings.ToLower(platform)]
	if !ok {
		return target{}, failure.New(failure.KindUnknownPlatform, platform, "platform is not configured")
	}
	return t, nil
}

// Ensure returns a live tab for platform, connecting and discovering as
// needed. The tab is the one whose URL matches the platform pattern.
func (m *Manager) Ensure(ctx context.Context, platform string) (driver.Tab, error) {
	t, err := m.lookup(platform)
	if err != nil {
		return nil, err
	}
	d, err := m.driver(ctx, t.name)
	if err != nil {
		return nil, err
	}
	key := t.name
	if tab := m.cached(ctx, key, &t); tab != nil {
		return tab, nil
	}

	m.claim.Lock()
	defer m.claim.Unlock()
	infos, err := d.Tabs(ctx)
	if err != nil {
		return nil, m.driverFailure(d, t.name, err, "list tabs")
	}
	for _, info := range infos {
		if !t.pattern.MatchString(info.URL) || m.claimed(info.ID, key) {
			continue
		}
		tab, err := d.Attach(ctx, info.ID)
		if err != nil {
			return nil, m.driverFailure(d, t.name, err, "attach tab %s", info.ID)
		}
		m.store(d, key, tab, false)
		m.log.Info("tab resolved",
			zap.String("platform", t.name),
			zap.String("tab", info.ID),
			zap.String("url", info.URL))
		return tab, nil
	}

	msg := fmt.Sprintf("no open tab matches %s", t.pattern)
	if t.homeURL != "" {
		msg += fmt.Sprintf("; open %s manually", t.homeURL)
	}
	return nil, failure.New(failure.KindTargetNotFound, t.name, "%s", msg)
}

// EnsureSession returns the tab bound to (platform, sessionID), opening the
// platform home page in a new tab the first time. An empty sessionID falls
// back to Ensure.
func (m *Manager) EnsureSession(ctx context.Context, platform, sessionID string) (driver.Tab, error) {
	if sessionID == "" {
		return m.Ensure(ctx, platform)
	}
	t, err := m.lookup(platform)
	if err != nil {
		return nil, err
	}
	key := SessionKey(t.name, sessionID)
	d, err := m.driver(ctx, t.name)
	if err != nil {
		return nil, err
	}
	if tab := m.cached(ctx, key, nil); tab != nil {
		return tab, nil
	}
	m.claim.Lock()
	tab, err := m.open(ctx, d, t)
	if err == nil {
		m.store(d, key, tab, true)
	}
	m.claim.Unlock()
	if err != nil {
		return nil, err
	}
	m.log.Info("session tab opened",
		zap.String("platform", t.name),
		zap.String("session", sessionID),
		zap.String("tab", tab.ID()))
	return tab, nil
}

// OpenDisposable opens a fresh, uncached tab on the platform home page. The
// caller owns the tab and must close it.
func (m *Manager) OpenDisposable(ctx context.Context, platform string) (driver.Tab, error) {
	t, err := m.lookup(platform)
	if err != nil {
		return nil, err
	}
	d, err := m.driver(ctx, t.name)
	if err != nil {
		return nil, err
	}
	return m.open(ctx, d, t)
}

func (m *Manager) open(ctx context.Context, d driver.Driver, t target) (driver.Tab, error) {
	if t.homeURL == "" {
		return nil, failure.New(failure.KindTargetNotFound, t.name, "no home_url configured to open a tab")
	}
	tab, err := d.NewTab(ctx, t.homeURL)
	if err != nil {
		return nil, m.driverFailure(d, t.name, err, "open %s", t.homeURL)
	}
	return tab, nil
}

// Invalidate drops the cached tab for (platform, sessionID) so the next
// use re-resolves it.
func (m *Manager) Invalidate(platform, sessionID string) {
	key := platform
	if t, err := m.lookup(platform); err == nil {
		key = t.name
	}
	if sessionID != "" {
		key = SessionKey(key, sessionID)
	}
	m.mu.Lock()
	delete(m.tabs, key)
	m.mu.Unlock()
}

// Tabs lists the open page tabs of the connected browser.
func (m *Manager) Tabs(ctx context.Context) ([]driver.TabInfo, error) {
	d, err := m.driver(ctx, "")
	if err != nil {
		return nil, err
	}
	infos, err := d.Tabs(ctx)
	if err != nil {
		return nil, m.driverFailure(d, "", err, "list tabs")
	}
	return infos, nil
}

// Close detaches from the browser and drops all handles.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	d := m.drv
	m.drv = nil
	m.tabs = make(map[string]driver.Tab)
	m.owned = make(map[string]string)
	m.state = StateDisconnected
	m.mu.Unlock()
	if d != nil {
		return d.Close()
	}
	return nil
}

// SessionKey is the cache and lock key of a multi-session tab.
func SessionKey(platform, sessionID string) string {
	return platform + "#" + sessionID
}

// cached returns the tab stored under key if it still answers a liveness
// probe (and, when t is set, still shows the platform). Dead handles are
// discarded.
func (m *Manager) cached(ctx context.Context, key string, t *target) driver.Tab {
	m.mu.Lock()
	tab := m.tabs[key]
	m.mu.Unlock()
	if tab == nil {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	info, err := tab.Info(pctx)
	cancel()
	if err == nil && (t == nil || t.pattern.MatchString(info.URL)) {
		return tab
	}

	m.log.Warn("cached tab failed liveness probe",
		zap.String("key", key),
		zap.String("url", info.URL),
		zap.Error(err))
	m.mu.Lock()
	if m.tabs[key] == tab {
		delete(m.tabs, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) store(d driver.Driver, key string, tab driver.Tab, session bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv != d {
		return
	}
	m.tabs[key] = tab
	if session {
		m.owned[tab.ID()] = key
	}
}

// claimed reports whether tab id belongs to a key other than key: a session
// tab, or a tab cached for another platform.
func (m *Manager) claimed(id, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.owned[id]; ok && owner != key {
		return true
	}
	for k, tab := range m.tabs {
		if k != key && tab.ID() == id {
			return true
		}
	}
	return false
}

// driver returns the connected driver, establishing it once. Concurrent
// callers share the in-flight attempt; each stops waiting when its own ctx
// ends.
func (m *Manager) driver(ctx context.Context, platform string) (driver.Driver, error) {
	m.mu.Lock()
	if d := m.drv; d != nil {
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("connect", func() (interface{}, error) {
		return m.connect()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			// the shared error is seen by every waiter; stamp a copy
			var fe *failure.Error
			if errors.As(res.Err, &fe) {
				stamped := *fe
				stamped.Platform = platform
				return nil, &stamped
			}
			return nil, failure.WithPlatform(res.Err, platform)
		}
		return res.Val.(driver.Driver), nil
	case <-ctx.Done():
		return nil, failure.Wrap(failure.KindConnection, platform, ctx.Err(), "waiting for browser connection")
	}
}

func (m *Manager) connect() (driver.Driver, error) {
	m.mu.Lock()
	if d := m.drv; d != nil {
		m.mu.Unlock()
		return d, nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	start := time.Now()
	d, err := m.connector.Connect(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.log.Error("browser connection failed", zap.Error(err))
		return nil, failure.Wrap(failure.KindConnection, "", err, "browser unreachable")
	}

	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		_ = d.Close()
		return nil, failure.New(failure.KindConnection, "", "connection manager closed")
	default:
	}
	m.drv = d
	m.tabs = make(map[string]driver.Tab)
	m.owned = make(map[string]string)
	m.state = StateConnected
	m.mu.Unlock()

	go m.watch(d)
	m.log.Info("browser connected", zap.Duration("took", time.Since(start)))
	return d, nil
}

// watch is the single disconnect observer registered per driver.
func (m *Manager) watch(d driver.Driver) {
	select {
	case <-d.Disconnected():
		m.invalidateDriver(d)
	case <-m.done:
	}
}

func (m *Manager) invalidateDriver(d driver.Driver) {
	m.mu.Lock()
	if m.drv != d {
		m.mu.Unlock()
		return
	}
	n := len(m.tabs)
	m.drv = nil
	m.tabs = make(map[string]driver.Tab)
	m.owned = make(map[string]string)
	m.state = StateDisconnected
	m.mu.Unlock()
	if err := d.Close(); err != nil {
		m.log.Debug("closing dropped driver failed", zap.Error(err))
	}
	m.log.Warn("browser disconnected; cached tabs dropped", zap.Int("tabs", n))
}

func (m *Manager) driverFailure(d driver.Driver, platform string, err error, format string, args ...any) error {
	if errors.Is(err, driver.ErrDisconnected) {
		m.invalidateDriver(d)
	}
	return failure.Wrap(failure.KindConnection, platform, err, format, args...)
}
