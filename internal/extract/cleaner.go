package extract

import (
	"regexp"
	"strings"
)

var (
	spaceRun    = regexp.MustCompile(`[ \t\x{00a0}\x{200b}]+`)
	citationRef = regexp.MustCompile(`\s*(\[\^?\d+\^?\]|【\d+(?::\d+)?†[^】]*】|\[\d+(?:,\s*\d+)*\])`)
	timestamp   = regexp.MustCompile(`(?i)^(?:(?:today|yesterday)(?: at)?\s*)?\d{1,2}:\d{2}(?::\d{2})?\s*(?:[ap]\.?m\.?)?$|^(?:today|yesterday)$|^\d{4}-\d{2}-\d{2}(?:[ t]\d{2}:\d{2}(?::\d{2})?)?$`)
)

// Cleaner normalizes scraped reply text. Clean is idempotent: cleaning
// already-clean text returns it unchanged.
type Cleaner struct {
	chrome     map[string]bool
	roleLabels []string
}

// NewCleaner returns a Cleaner that strips the given UI chrome lines and
// leading role labels.
func NewCleaner(chrome, roleLabels []string) *Cleaner {
	c := &Cleaner{chrome: make(map[string]bool, len(chrome))}
	for _, s := range chrome {
		if s = normalizeLine(s); s != "" {
			c.chrome[strings.ToLower(s)] = true
		}
	}
	for _, l := range roleLabels {
		if l = normalizeLine(l); l != "" {
			c.roleLabels = append(c.roleLabels, l)
		}
	}
	return c
}

// Clean strips chrome, timestamps, citation markers, duplicate adjacent
// lines, and a leading role label, repeating until nothing changes.
func (c *Cleaner) Clean(text string) string {
	// Each pass only removes text, so the loop reaches a fixed point.
	out := text
	for {
		next := c.pass(out)
		if next == out {
			return out
		}
		out = next
	}
}

func (c *Cleaner) pass(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		line := normalizeLine(citationRef.ReplaceAllString(raw, ""))
		if line == "" || c.IsChrome(line) || timestamp.MatchString(line) {
			continue
		}
		if n := len(lines); n > 0 && lines[n-1] == line {
			continue
		}
		lines = append(lines, line)
	}
	for len(lines) > 0 {
		rest, ok := c.stripRoleLabel(lines[0])
		if !ok {
			break
		}
		if rest == "" {
			lines = lines[1:]
		} else {
			lines[0] = rest
		}
	}
	return strings.Join(lines, "\n")
}

// IsChrome reports whether line is a known UI chrome token.
func (c *Cleaner) IsChrome(line string) bool {
	return c.chrome[strings.ToLower(normalizeLine(line))]
}

// IsRoleLabel reports whether line is exactly a role label.
func (c *Cleaner) IsRoleLabel(line string) bool {
	rest, ok := c.stripRoleLabel(normalizeLine(line))
	return ok && rest == ""
}

func (c *Cleaner) stripRoleLabel(line string) (string, bool) {
	for _, label := range c.roleLabels {
		if len(line) < len(label) || !strings.EqualFold(line[:len(label)], label) {
			continue
		}
		rest := line[len(label):]
		// labels without a colon must end at a word break
		if rest != "" && !strings.HasSuffix(label, ":") && rest[0] != ' ' && rest[0] != ':' {
			continue
		}
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		return rest, true
	}
	return line, false
}

func normalizeLine(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}
