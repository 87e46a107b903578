// Package drivertest provides in-memory driver fakes for tests.
package drivertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"chatrelay/internal/driver"
)

// EvalFunc answers a Tab.Eval call.
type EvalFunc func(js string, args []any) (any, error)

// Tab is a scriptable driver.Tab.
type Tab struct {
	mu       sync.Mutex
	id       string
	url      string
	title    string
	eval     EvalFunc
	ax       []driver.AXNode
	snapshot []string
	infoErr  error
	closed   bool

	InfoCalls atomic.Int64
	EvalCalls atomic.Int64
}

// NewTab creates a fake tab.
func NewTab(id, url string) *Tab {
	return &Tab{id: id, url: url, title: id}
}

// SetEval installs the Eval handler.
func (t *Tab) SetEval(fn EvalFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eval = fn
}

// SetAX installs the accessibility tree.
func (t *Tab) SetAX(nodes []driver.AXNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ax = nodes
}

// SetSnapshot installs the text snapshot.
func (t *Tab) SetSnapshot(nodes []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot = nodes
}

// Break makes liveness probes (Info) fail.
func (t *Tab) Break(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		err = errors.New("target closed")
	}
	t.infoErr = err
}

// Closed reports whether Close was called.
func (t *Tab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) Info(ctx context.Context) (driver.TabInfo, error) {
	t.InfoCalls.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.infoErr != nil {
		return driver.TabInfo{}, t.infoErr
	}
	if t.closed {
		return driver.TabInfo{}, errors.New("tab closed")
	}
	return driver.TabInfo{ID: t.id, URL: t.url, Title: t.title, Type: "page"}, nil
}

func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.url = url
	return nil
}

func (t *Tab) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	t.EvalCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	fn := t.eval
	t.mu.Unlock()
	if fn == nil {
		return json.RawMessage("null"), nil
	}
	v, err := fn(js, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fake eval marshal: %w", err)
	}
	return raw, nil
}

func (t *Tab) AccessibilityTree(ctx context.Context) ([]driver.AXNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ax == nil {
		return nil, errors.New("accessibility tree unavailable")
	}
	return append([]driver.AXNode(nil), t.ax...), nil
}

func (t *Tab) TextSnapshot(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.snapshot...), nil
}

func (t *Tab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Driver is an in-memory driver.Driver over fake tabs.
type Driver struct {
	mu     sync.Mutex
	tabs   []*Tab
	next   int
	gone   chan struct{}
	closed sync.Once
	err    error

	// OnNewTab, when set, customizes tabs opened through NewTab.
	OnNewTab func(*Tab)
}

// NewDriver creates a driver holding tabs.
func NewDriver(tabs ...*Tab) *Driver {
	return &Driver{tabs: tabs, gone: make(chan struct{})}
}

// AddTab adds a tab as if the user opened it.
func (d *Driver) AddTab(t *Tab) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tabs = append(d.tabs, t)
}

// Fail makes Tabs and NewTab return err while the connection stays up.
func (d *Driver) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Disconnect simulates the browser connection dropping.
func (d *Driver) Disconnect() {
	d.closed.Do(func() { close(d.gone) })
}

func (d *Driver) Tabs(ctx context.Context) ([]driver.TabInfo, error) {
	select {
	case <-d.gone:
		return nil, driver.ErrDisconnected
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]driver.TabInfo, 0, len(d.tabs))
	for _, t := range d.tabs {
		if t.Closed() {
			continue
		}
		t.mu.Lock()
		out = append(out, driver.TabInfo{ID: t.id, URL: t.url, Title: t.title, Type: "page"})
		t.mu.Unlock()
	}
	return out, nil
}

func (d *Driver) Attach(ctx context.Context, id string) (driver.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tabs {
		if t.id == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no target %s", id)
}

func (d *Driver) NewTab(ctx context.Context, url string) (driver.Tab, error) {
	select {
	case <-d.gone:
		return nil, driver.ErrDisconnected
	default:
	}
	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	d.next++
	t := NewTab(fmt.Sprintf("new-%d", d.next), url)
	d.tabs = append(d.tabs, t)
	hook := d.OnNewTab
	d.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return t, nil
}

func (d *Driver) Disconnected() <-chan struct{} { return d.gone }

func (d *Driver) Close() error {
	d.Disconnect()
	return nil
}

// Connector hands out drivers from Next, counting Connect calls.
type Connector struct {
	// Next builds the driver for each successful Connect.
	Next func() (*Driver, error)
	// Gate, when non-nil, blocks Connect until it is closed.
	Gate chan struct{}

	Calls atomic.Int64
}

func (c *Connector) Connect(ctx context.Context) (driver.Driver, error) {
	c.Calls.Add(1)
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d, err := c.Next()
	if err != nil {
		return nil, err
	}
	return d, nil
}
