package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/gitcache"
)

// GitPollInterval is the fixed git/commit polling cadence while a scope
// is active and visible.
const GitPollInterval = 10 * time.Second

// Scope is one active (pane, worktree) pair eligible for polling.
type Scope struct {
	PaneID   string
	Worktree string
	// Mode is the scope's screen mode ("text" or "image"); the git
	// poller ignores it.
	Mode string
}

// ScopeSource reports the scopes that are currently connected with a
// visible document. An empty list suspends polling entirely.
type ScopeSource interface {
	ActiveScopes() []Scope
}

// GitPoller refreshes the git cache for every active scope on a fixed
// interval, publishing events only for replacements that survive
// signature gating.
type GitPoller struct {
	cache    *gitcache.Cache
	scopes   ScopeSource
	hub      *events.Hub
	interval time.Duration
	kick     chan struct{}
}

// NewGitPoller creates a poller over the cache and scope source.
func NewGitPoller(cache *gitcache.Cache, scopes ScopeSource, hub *events.Hub) *GitPoller {
	return &GitPoller{
		cache:    cache,
		scopes:   scopes,
		hub:      hub,
		interval: GitPollInterval,
		kick:     make(chan struct{}, 1),
	}
}

// Name implements Worker.
func (p *GitPoller) Name() string { return "git_poller" }

// Kick schedules an immediate tick, used when the document becomes
// visible again after being hidden.
func (p *GitPoller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled.
func (p *GitPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.kick:
		}
		p.tick(ctx)
	}
}

func (p *GitPoller) tick(ctx context.Context) {
	for _, scope := range p.scopes.ActiveScopes() {
		diffChanged, logChanged, err := p.cache.Poll(ctx, scope.PaneID, scope.Worktree)
		if err != nil {
			slog.Warn("git poll failed", "pane", scope.PaneID, "worktree", scope.Worktree, "err", err)
			continue
		}
		if diffChanged {
			p.publish(events.TypeGitDiff, scope)
		}
		if logChanged {
			p.publish(events.TypeGitLog, scope)
		}
	}
}

func (p *GitPoller) publish(eventType string, scope Scope) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(events.NewEvent(eventType, map[string]any{
		"paneId":   scope.PaneID,
		"worktree": scope.Worktree,
	}))
}
