// Package driver abstracts the remotely-controlled browser. The rod
// implementation speaks the DevTools protocol; tests substitute in-memory
// fakes from drivertest.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDisconnected is returned by operations on a driver whose connection
// has dropped.
var ErrDisconnected = errors.New("driver disconnected")

// TabInfo describes a browser tab as reported by target discovery.
type TabInfo struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// AXNode is one node of a tab's accessibility tree.
type AXNode struct {
	ID       string
	ParentID string
	ChildIDs []string
	Role     string
	Name     string
	Ignored  bool
}

// Connector establishes a Driver. Launching the browser process, when
// needed, is the connector's business.
type Connector interface {
	Connect(ctx context.Context) (Driver, error)
}

// Driver is one connected browser session.
type Driver interface {
	// Tabs lists the open page targets.
	Tabs(ctx context.Context) ([]TabInfo, error)
	// Attach binds to an existing tab by ID.
	Attach(ctx context.Context, id string) (Tab, error)
	// NewTab opens url in a new tab.
	NewTab(ctx context.Context, url string) (Tab, error)
	// Disconnected is closed once the connection is lost or Close is called.
	Disconnected() <-chan struct{}
	Close() error
}

// Tab is a handle to one browser tab.
type Tab interface {
	ID() string
	Info(ctx context.Context) (TabInfo, error)
	Navigate(ctx context.Context, url string) error
	// Eval runs a JavaScript function expression with args and returns its
	// JSON-encoded result.
	Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error)
	// AccessibilityTree returns the tab's full accessibility tree in
	// document order.
	AccessibilityTree(ctx context.Context) ([]AXNode, error)
	// TextSnapshot returns the rendered text nodes of the page, flattened
	// in layout order.
	TextSnapshot(ctx context.Context) ([]string, error)
	Close() error
}

// EvalInto runs js on tab and decodes the result into out.
func EvalInto(ctx context.Context, tab Tab, out any, js string, args ...any) error {
	raw, err := tab.Eval(ctx, js, args...)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("eval returned no value")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode eval result: %w", err)
	}
	return nil
}
