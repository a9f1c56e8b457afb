package screen

import (
	"context"
	"regexp"
	"sync"

	core "github.com/eugener/palantir/internal"
)

// DefaultDangerousPatterns seed the command guard. The list is
// configurable; rules added at runtime persist through the rule store.
var DefaultDangerousPatterns = []string{
	`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+/`,
	`sudo\s+rm\s`,
	`git\s+push\s+.*--force`,
	`git\s+reset\s+--hard`,
	`mkfs(\.|\s)`,
	`dd\s+if=`,
	`:\(\)\s*\{.*\};\s*:`,
	`(shutdown|reboot|halt)(\s|$)`,
	`chmod\s+(-[a-zA-Z]+\s+)*777\s+/`,
	`>\s*/dev/sd[a-z]`,
}

// tailBufferSize is the rolling tail retained between sends so a pattern
// split across two transmissions still matches. It must be at least the
// longest pattern's plausible match length.
const tailBufferSize = 256

// RuleSource supplies additional guard patterns at evaluation time.
type RuleSource interface {
	GuardPatterns(ctx context.Context) ([]string, error)
}

// AuditEntry describes one guard decision for the audit trail.
type AuditEntry struct {
	PaneID   string
	Text     string
	Pattern  string
	Blocked  bool
	Override bool
}

// AuditSink records guard decisions.
type AuditSink interface {
	RecordGuardAudit(ctx context.Context, entry AuditEntry) error
}

// Guard evaluates outgoing text against the dangerous-command patterns,
// keeping a per-pane rolling tail so split transmissions are caught.
type Guard struct {
	mu       sync.Mutex
	compiled []*regexp.Regexp
	rules    RuleSource
	tails    map[string]string
}

// NewGuard compiles the given patterns (DefaultDangerousPatterns when
// empty). Invalid patterns are skipped. rules may be nil.
func NewGuard(patterns []string, rules RuleSource) *Guard {
	if len(patterns) == 0 {
		patterns = DefaultDangerousPatterns
	}
	g := &Guard{rules: rules, tails: map[string]string{}}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			g.compiled = append(g.compiled, re)
		}
	}
	return g
}

// Check evaluates text destined for a pane. It returns the matched
// pattern, or empty when the send is clean. The pane's rolling tail is
// updated regardless, so a later fragment completes an earlier one.
func (g *Guard) Check(ctx context.Context, paneID, text string) string {
	g.mu.Lock()
	window := g.tails[paneID] + text
	if len(window) > tailBufferSize {
		g.tails[paneID] = window[len(window)-tailBufferSize:]
	} else {
		g.tails[paneID] = window
	}
	compiled := g.compiled
	g.mu.Unlock()

	for _, re := range compiled {
		if re.MatchString(window) {
			return re.String()
		}
	}
	if g.rules != nil {
		if extra, err := g.rules.GuardPatterns(ctx); err == nil {
			for _, p := range extra {
				re, err := regexp.Compile(p)
				if err != nil {
					continue
				}
				if re.MatchString(window) {
					return p
				}
			}
		}
	}
	return ""
}

// ResetPane drops a pane's rolling tail, e.g. after Enter is sent or the
// pane closes.
func (g *Guard) ResetPane(paneID string) {
	g.mu.Lock()
	delete(g.tails, paneID)
	g.mu.Unlock()
}

// ErrDangerous builds the rejection error for a matched pattern.
func ErrDangerous(pattern string) error {
	return core.Errorf(core.CodeDangerousCommand, "text matches dangerous command pattern %q", pattern)
}
