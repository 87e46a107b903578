package session

import (
	"context"
	"sort"
	"strings"

	"chatrelay/internal/adapter"
	"chatrelay/internal/config"
	"chatrelay/internal/driver"
	"chatrelay/internal/failure"

	"go.uber.org/zap"
)

const pageTextJS = `() => document.body ? document.body.innerText : ''`

// reasonOrder fixes which reason wins when a page shows several markers.
var reasonOrder = map[string]int{
	failure.ReasonAuth:         0,
	failure.ReasonVerification: 1,
	failure.ReasonRateLimit:    2,
}

// detectBlock looks for the configured block markers in the page text and
// returns the first matching reason and marker.
func detectBlock(ctx context.Context, tab driver.Tab, markers map[string][]string) (string, string, error) {
	if len(markers) == 0 {
		return "", "", nil
	}
	text, err := pageText(ctx, tab)
	if err != nil {
		return "", "", err
	}
	text = strings.ToLower(text)

	reasons := make([]string, 0, len(markers))
	for r := range markers {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		oi, iok := reasonOrder[reasons[i]]
		oj, jok := reasonOrder[reasons[j]]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return reasons[i] < reasons[j]
	})

	for _, r := range reasons {
		for _, m := range markers[r] {
			if m != "" && strings.Contains(text, strings.ToLower(m)) {
				return r, m, nil
			}
		}
	}
	return "", "", nil
}

func pageText(ctx context.Context, tab driver.Tab) (string, error) {
	var text string
	if err := driver.EvalInto(ctx, tab, &text, pageTextJS); err == nil {
		return text, nil
	}
	nodes, err := tab.TextSnapshot(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join(nodes, "\n"), nil
}

// Readiness is the health of one platform.
type Readiness struct {
	Platform     string `json:"platform"`
	Ready        bool   `json:"ready"`
	Reachable    bool   `json:"reachable"`
	InputVisible bool   `json:"input_visible"`
	Blocked      string `json:"blocked,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Probe reports whether platform's tab is reachable, shows an input surface,
// and is free of block markers. It does not take the interaction lock; it
// only reads the page.
func (c *Controller) Probe(ctx context.Context, name string) Readiness {
	cfg, p, err := c.snapshot(name)
	if err != nil {
		return Readiness{Platform: name, Error: err.Error()}
	}
	r := Readiness{Platform: p.cfg.Name}

	var tab driver.Tab
	if cfg.Mode == config.ModePersistent {
		tab, err = c.tabs.Ensure(ctx, p.cfg.Name)
	} else {
		tab, err = c.tabs.OpenDisposable(ctx, p.cfg.Name)
		if err == nil {
			defer func() { _ = tab.Close() }()
		}
	}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Reachable = true

	r.InputVisible = true
	if prober, ok := p.bind(tab).(adapter.InputProber); ok {
		visible, err := prober.HasInput(ctx)
		if err != nil {
			r.Error = err.Error()
		}
		r.InputVisible = visible
	}

	reason, _, err := detectBlock(ctx, tab, p.cfg.BlockMarkers)
	if err != nil {
		c.log.Debug("block probe failed", zap.String("platform", p.cfg.Name), zap.Error(err))
	}
	r.Blocked = reason

	r.Ready = r.Reachable && r.InputVisible && r.Blocked == ""
	return r
}

// ProbeAll probes every configured platform in name order.
func (c *Controller) ProbeAll(ctx context.Context) []Readiness {
	c.mu.RLock()
	names := make([]string, 0, len(c.platforms))
	for _, p := range c.platforms {
		names = append(names, p.cfg.Name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	out := make([]Readiness, 0, len(names))
	for _, n := range names {
		out = append(out, c.Probe(ctx, n))
	}
	return out
}

// Platforms returns the configured platform names.
func (c *Controller) Platforms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.platforms))
	for _, p := range c.platforms {
		names = append(names, p.cfg.Name)
	}
	sort.Strings(names)
	return names
}
