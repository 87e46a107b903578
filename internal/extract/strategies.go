package extract

import (
	"context"
	"errors"
	"strings"

	"chatrelay/internal/driver"
)

var errNoTab = errors.New("no tab bound")

// Primary asks the platform adapter for the newest reply.
type Primary struct {
	judge *Judge
}

func (*Primary) Name() string { return "primary" }

func (s *Primary) TryExtract(ctx context.Context, src Source, req Request) Attempt {
	if src.Adapter == nil {
		return Attempt{Outcome: NotFound}
	}
	text, found, err := src.Adapter.ExtractText(ctx)
	if err != nil {
		return Attempt{Outcome: NotFound, Err: err}
	}
	if !found {
		return Attempt{Outcome: NotFound}
	}
	return s.judge.Classify(text, req)
}

// maxAXTurns bounds how many turn containers are walked back from the
// newest.
const maxAXTurns = 6

// Accessibility walks the accessibility tree from the newest turn container
// backward. Some platforms render reply content where ordinary DOM text
// extraction cannot see it.
type Accessibility struct {
	judge *Judge
	roles []string
}

func (*Accessibility) Name() string { return "accessibility" }

func (s *Accessibility) TryExtract(ctx context.Context, src Source, req Request) Attempt {
	if src.Tab == nil {
		return Attempt{Outcome: NotFound, Err: errNoTab}
	}
	nodes, err := src.Tab.AccessibilityTree(ctx)
	if err != nil {
		return Attempt{Outcome: NotFound, Err: err}
	}

	if req.Exact != "" {
		for i := len(nodes) - 1; i >= 0; i-- {
			if nodes[i].Ignored || nodes[i].Name == "" {
				continue
			}
			if a := s.judge.Classify(nodes[i].Name, req); a.Outcome == Found {
				return a
			}
		}
		return Attempt{Outcome: NotFound}
	}

	byID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byID[n.ID] = i
	}
	roles := make(map[string]bool, len(s.roles))
	for _, r := range s.roles {
		roles[r] = true
	}

	var candidates []string
	for i := len(nodes) - 1; i >= 0 && len(candidates) < maxAXTurns; i-- {
		n := nodes[i]
		if n.Ignored || !roles[n.Role] {
			continue
		}
		text := collectAXText(nodes, byID, i)
		if text == "" {
			text = n.Name
		}
		candidates = append(candidates, text)
	}
	return s.judge.First(candidates, req)
}

// collectAXText gathers the static text under nodes[root] in tree order.
func collectAXText(nodes []driver.AXNode, byID map[string]int, root int) string {
	var lines []string
	var walk func(i int)
	walk = func(i int) {
		n := nodes[i]
		if n.Ignored && i != root {
			return
		}
		if (n.Role == "StaticText" || n.Role == "text") && n.Name != "" {
			lines = append(lines, n.Name)
			return
		}
		for _, id := range n.ChildIDs {
			if j, ok := byID[id]; ok {
				walk(j)
			}
		}
	}
	walk(root)
	return strings.Join(lines, "\n")
}

// Snapshot scans the flattened rendered text of the page. It anchors on the
// prompt just sent and returns what follows, bounded to maxGroups turn-like
// groups; in exact mode it looks for a node holding the literal.
type Snapshot struct {
	judge     *Judge
	maxGroups int
	maxNodes  int
}

func (*Snapshot) Name() string { return "snapshot" }

func (s *Snapshot) TryExtract(ctx context.Context, src Source, req Request) Attempt {
	if src.Tab == nil {
		return Attempt{Outcome: NotFound, Err: errNoTab}
	}
	nodes, err := src.Tab.TextSnapshot(ctx)
	if err != nil {
		return Attempt{Outcome: NotFound, Err: err}
	}
	if limit := s.nodeLimit(); len(nodes) > limit {
		nodes = nodes[len(nodes)-limit:]
	}

	if req.Exact != "" {
		for i := len(nodes) - 1; i >= 0; i-- {
			if a := s.judge.Classify(nodes[i], req); a.Outcome == Found {
				return a
			}
		}
		return Attempt{Outcome: NotFound}
	}

	anchor := s.anchor(nodes, req.Prompt)
	if anchor < 0 {
		return Attempt{Outcome: NotFound}
	}
	return s.judge.Classify(strings.Join(s.following(nodes[anchor+1:]), "\n"), req)
}

func (s *Snapshot) nodeLimit() int {
	if s.maxNodes <= 0 {
		return 400
	}
	return s.maxNodes
}

// anchor returns the index of the last node holding the prompt, matching
// the whole prompt first and then its last line.
func (s *Snapshot) anchor(nodes []string, prompt string) int {
	c := s.judge.Cleaner()
	want := c.Clean(prompt)
	if want == "" {
		return -1
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		if c.Clean(nodes[i]) == want {
			return i
		}
	}
	lines := strings.Split(want, "\n")
	last := lines[len(lines)-1]
	for i := len(nodes) - 1; i >= 0; i-- {
		if c.Clean(nodes[i]) == last {
			return i
		}
	}
	return -1
}

// following collects text nodes after the anchor until maxGroups group
// boundaries (runs of role-label or chrome nodes) have been crossed.
func (s *Snapshot) following(nodes []string) []string {
	maxGroups := s.maxGroups
	if maxGroups <= 0 {
		maxGroups = 2
	}
	c := s.judge.Cleaner()
	var out []string
	groups := 0
	inBoundary := false
	for _, n := range nodes {
		if c.IsRoleLabel(n) || c.IsChrome(n) {
			if !inBoundary {
				groups++
				inBoundary = true
			}
			if groups >= maxGroups && len(out) > 0 {
				break
			}
			continue
		}
		inBoundary = false
		out = append(out, n)
	}
	return out
}
