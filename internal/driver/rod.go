package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// RodOptions configures the rod-backed connector.
type RodOptions struct {
	// DebuggerURL is a ws:// DevTools URL, or an http://host:port that is
	// resolved to one. When empty, a browser is launched.
	DebuggerURL string
	// Launch is the browser binary followed by flags, used when
	// DebuggerURL is empty.
	Launch    []string
	Headless  bool
	Heartbeat time.Duration
	Logger    *zap.Logger
}

// RodConnector connects to Chrome through the DevTools protocol.
type RodConnector struct {
	opts RodOptions
	log  *zap.Logger
}

// NewRodConnector creates a connector. Nothing is dialed until Connect.
func NewRodConnector(opts RodOptions) *RodConnector {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	return &RodConnector{opts: opts, log: logging.Or(opts.Logger, logging.CategoryBrowser)}
}

// Connect resolves the control URL and dials it. ctx bounds only the
// connection attempt; the returned driver lives until Close or disconnect.
func (c *RodConnector) Connect(ctx context.Context) (Driver, error) {
	controlURL, err := c.controlURL()
	if err != nil {
		return nil, err
	}

	life, cancel := context.WithCancel(context.Background())
	browser := rod.New().ControlURL(controlURL).Context(life)

	connected := make(chan error, 1)
	go func() { connected <- browser.Connect() }()

	select {
	case err := <-connected:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect to chrome: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("connect to chrome: %w", ctx.Err())
	}

	d := &rodDriver{
		browser: browser,
		ctx:     life,
		cancel:  cancel,
		gone:    make(chan struct{}),
		log:     c.log.With(zap.String("control_url", controlURL)),
	}
	go d.heartbeat(c.opts.Heartbeat)
	d.log.Info("browser connected")
	return d, nil
}

func (c *RodConnector) controlURL() (string, error) {
	if u := strings.TrimSpace(c.opts.DebuggerURL); u != "" {
		if strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") {
			return u, nil
		}
		resolved, err := launcher.ResolveURL(u)
		if err != nil {
			return "", fmt.Errorf("resolve debugger url %s: %w", u, err)
		}
		return resolved, nil
	}

	if len(c.opts.Launch) > 0 {
		bin := c.opts.Launch[0]
		launch := launcher.New().Bin(bin).Headless(c.opts.Headless)
		for _, rawFlag := range c.opts.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return "", fmt.Errorf("launch chrome: %w", err)
		}
		return url, nil
	}

	url, err := launcher.New().Headless(c.opts.Headless).Launch()
	if err != nil {
		return "", fmt.Errorf("no debugger_url and failed to launch: %w", err)
	}
	return url, nil
}

type rodDriver struct {
	browser *rod.Browser
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger

	goneOnce sync.Once
	gone     chan struct{}
}

// heartbeat marks the driver gone on the first failed version round-trip.
func (d *rodDriver) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.gone:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(d.ctx, interval)
			_, err := d.browser.Context(ctx).Version()
			cancel()
			if err != nil {
				d.log.Warn("browser heartbeat failed", zap.Error(err))
				d.markGone()
				return
			}
		}
	}
}

func (d *rodDriver) markGone() {
	d.goneOnce.Do(func() {
		close(d.gone)
		d.cancel()
	})
}

func (d *rodDriver) alive() error {
	select {
	case <-d.gone:
		return ErrDisconnected
	default:
		return nil
	}
}

func (d *rodDriver) Disconnected() <-chan struct{} { return d.gone }

func (d *rodDriver) Tabs(ctx context.Context) ([]TabInfo, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	res, err := proto.TargetGetTargets{}.Call(d.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	tabs := make([]TabInfo, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if string(info.Type) != "page" {
			continue
		}
		tabs = append(tabs, TabInfo{
			ID:    string(info.TargetID),
			URL:   info.URL,
			Title: info.Title,
			Type:  string(info.Type),
		})
	}
	return tabs, nil
}

func (d *rodDriver) Attach(ctx context.Context, id string) (Tab, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	page, err := d.browser.Context(ctx).PageFromTarget(proto.TargetTargetID(id))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", id, err)
	}
	return &rodTab{page: page.Context(d.ctx)}, nil
}

func (d *rodDriver) NewTab(ctx context.Context, url string) (Tab, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	page, err := d.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	tab := &rodTab{page: page.Context(d.ctx)}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		d.log.Debug("new tab did not finish loading", zap.String("url", url), zap.Error(err))
	}
	return tab, nil
}

func (d *rodDriver) Close() error {
	// Detach only: the browser belongs to the user and may hold logged-in tabs.
	d.markGone()
	return nil
}

type rodTab struct {
	page *rod.Page
}

func (t *rodTab) ID() string { return string(t.page.TargetID) }

func (t *rodTab) Info(ctx context.Context) (TabInfo, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return TabInfo{}, err
	}
	return TabInfo{
		ID:    string(info.TargetID),
		URL:   info.URL,
		Title: info.Title,
		Type:  string(info.Type),
	}, nil
}

func (t *rodTab) Navigate(ctx context.Context, url string) error {
	p := t.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return p.WaitLoad()
}

func (t *rodTab) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("eval returned nil result")
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (t *rodTab) AccessibilityTree(ctx context.Context) ([]AXNode, error) {
	tree, err := proto.AccessibilityGetFullAXTree{}.Call(t.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get accessibility tree: %w", err)
	}
	nodes := make([]AXNode, 0, len(tree.Nodes))
	for _, n := range tree.Nodes {
		node := AXNode{
			ID:       string(n.NodeID),
			ParentID: string(n.ParentID),
			Role:     axString(n.Role),
			Name:     axString(n.Name),
			Ignored:  n.Ignored,
		}
		for _, c := range n.ChildIDs {
			node.ChildIDs = append(node.ChildIDs, string(c))
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func axString(v *proto.AccessibilityAXValue) string {
	if v == nil {
		return ""
	}
	s := v.Value.String()
	if s == "null" {
		return ""
	}
	return s
}

// TextSnapshot prefers the layout snapshot, which only holds rendered text,
// and falls back to flattening the serialized DOM.
func (t *rodTab) TextSnapshot(ctx context.Context) ([]string, error) {
	p := t.page.Context(ctx)
	snap, err := proto.DOMSnapshotCaptureSnapshot{ComputedStyles: []string{}}.Call(p)
	if err == nil && snap != nil {
		var out []string
		for _, doc := range snap.Documents {
			if doc == nil || doc.Layout == nil {
				continue
			}
			for _, idx := range doc.Layout.Text {
				i := int(idx)
				if i < 0 || i >= len(snap.Strings) {
					continue
				}
				if s := strings.TrimSpace(snap.Strings[i]); s != "" {
					out = append(out, s)
				}
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	html, herr := p.HTML()
	if herr != nil {
		if err != nil {
			return nil, fmt.Errorf("layout snapshot: %w (html fallback: %v)", err, herr)
		}
		return nil, fmt.Errorf("html fallback: %w", herr)
	}
	return FlattenHTML(strings.NewReader(html))
}

func (t *rodTab) Close() error {
	return t.page.Close()
}
