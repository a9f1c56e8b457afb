// Package session is the connection-oriented facade over the core: one
// Connection per client, scoped to a (pane, worktree) pair, with a
// request guard serializing overlapping calls so only the latest-issued
// request in a scope publishes its outcome.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dashboard"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/gitcache"
	"github.com/eugener/palantir/internal/guard"
	"github.com/eugener/palantir/internal/screen"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/worker"
)

// ErrSuperseded reports that a newer request in the same scope was
// issued, or the connection's scope changed, while this one was in
// flight; its outcome was dropped.
var ErrSuperseded = errors.New("request superseded by a newer one in the same scope")

// Service owns all client connections and implements the pollers'
// scope source.
type Service struct {
	git     *gitcache.Cache
	screens *screen.Gateway
	dash    *dashboard.Dashboard
	hub     *events.Hub
	metrics *telemetry.Metrics

	mu    sync.Mutex
	conns map[string]*Connection
	wake  func()
}

// NewService creates the session facade.
func NewService(git *gitcache.Cache, screens *screen.Gateway, dash *dashboard.Dashboard, hub *events.Hub, metrics *telemetry.Metrics) *Service {
	return &Service{
		git:     git,
		screens: screens,
		dash:    dash,
		hub:     hub,
		metrics: metrics,
		conns:   map[string]*Connection{},
	}
}

// SetWakeFunc registers the poller kick invoked when a hidden
// connection becomes visible again, so the resumed view refreshes
// immediately instead of waiting out the interval.
func (s *Service) SetWakeFunc(wake func()) {
	s.mu.Lock()
	s.wake = wake
	s.mu.Unlock()
}

// Connection is one client's session.
type Connection struct {
	id  string
	svc *Service

	// reqGuard holds the per-scope request counter; the scope key is
	// "<paneID>\x00<worktree>".
	reqGuard *guard.Guard

	mu        sync.Mutex
	paneID    string
	worktree  string
	mode      core.ScreenMode
	visible   bool
	connected bool
}

// Open registers a new connection. Connections start visible with no
// scope; polling begins once Connect names a pane.
func (s *Service) Open() *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		svc:       s,
		reqGuard:  guard.New(),
		visible:   true,
		connected: true,
		mode:      core.ScreenText,
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	return c
}

// ActiveScopes implements worker.ScopeSource: scopes of connections that
// are connected, visible, and bound to a pane.
func (s *Service) ActiveScopes() []worker.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	scopes := make([]worker.Scope, 0, len(s.conns))
	seen := map[string]bool{}
	for _, c := range s.conns {
		c.mu.Lock()
		ok := c.connected && c.visible && c.paneID != ""
		scope := worker.Scope{PaneID: c.paneID, Worktree: c.worktree, Mode: string(c.mode)}
		c.mu.Unlock()
		if !ok {
			continue
		}
		key := scope.PaneID + "\x00" + scope.Worktree
		if seen[key] {
			continue
		}
		seen[key] = true
		scopes = append(scopes, scope)
	}
	return scopes
}

// Close unregisters the connection and drops its git scope state.
func (c *Connection) Close() {
	c.svc.mu.Lock()
	delete(c.svc.conns, c.id)
	c.svc.mu.Unlock()

	c.mu.Lock()
	paneID, worktree := c.paneID, c.worktree
	c.connected = false
	c.mu.Unlock()
	if paneID != "" {
		c.svc.git.Reset(paneID, worktree)
	}
}

// Connect binds the connection to a pane + worktree scope. Changing
// either component resets the git caches for the old scope and
// invalidates every in-flight request.
func (c *Connection) Connect(paneID, worktree string, mode core.ScreenMode) {
	if mode == "" {
		mode = core.ScreenText
	}
	c.mu.Lock()
	oldPane, oldTree := c.paneID, c.worktree
	c.paneID, c.worktree, c.mode = paneID, worktree, mode
	c.mu.Unlock()

	if oldPane != "" && (oldPane != paneID || oldTree != worktree) {
		c.svc.git.Reset(oldPane, oldTree)
	}
	c.reqGuard.SetScope(paneID + "\x00" + worktree)
}

// SetVisibility gates background polling; resuming visibility triggers
// an immediate poll through the poller's kick channel.
func (c *Connection) SetVisibility(visible bool) {
	c.mu.Lock()
	resumed := visible && !c.visible
	c.visible = visible
	c.mu.Unlock()

	if resumed {
		c.svc.mu.Lock()
		wake := c.svc.wake
		c.svc.mu.Unlock()
		if wake != nil {
			wake()
		}
	}
}

// Scope returns the bound pane and worktree.
func (c *Connection) Scope() (paneID, worktree string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paneID, c.worktree
}

// run executes fetch under the request guard, dropping outcomes that a
// newer same-scope request or a scope change superseded.
func run[V any](c *Connection, fetch func() (V, error)) (V, error) {
	token := c.reqGuard.BeginRequest()
	v, err := fetch()
	if !token.IsCurrent() {
		if c.svc.metrics != nil {
			c.svc.metrics.StaleDropped.WithLabelValues("connection").Inc()
		}
		var zero V
		return zero, ErrSuperseded
	}
	return v, err
}

// --- Git operations ---

// GitOptions tunes git reads.
type GitOptions struct {
	Force    bool
	Worktree string // override the connection's worktree for this call
}

func (c *Connection) gitScope(opts GitOptions) (string, string) {
	paneID, worktree := c.Scope()
	if opts.Worktree != "" {
		worktree = opts.Worktree
	}
	return paneID, worktree
}

// DiffSummary returns the scope's working-tree summary.
func (c *Connection) DiffSummary(ctx context.Context, opts GitOptions) (core.DiffSummary, error) {
	paneID, worktree := c.gitScope(opts)
	return run(c, func() (core.DiffSummary, error) {
		return c.svc.git.DiffSummary(ctx, paneID, worktree, opts.Force)
	})
}

// DiffFile returns one file's patch.
func (c *Connection) DiffFile(ctx context.Context, path string, opts GitOptions) (core.DiffFilePatch, error) {
	paneID, worktree := c.gitScope(opts)
	return run(c, func() (core.DiffFilePatch, error) {
		return c.svc.git.DiffFile(ctx, paneID, worktree, path)
	})
}

// CommitLog returns one page of the commit log.
func (c *Connection) CommitLog(ctx context.Context, offset int, opts GitOptions) (core.CommitLog, error) {
	paneID, worktree := c.gitScope(opts)
	return run(c, func() (core.CommitLog, error) {
		return c.svc.git.CommitLog(ctx, paneID, worktree, offset, opts.Force)
	})
}

// CommitDetail returns one commit's detail.
func (c *Connection) CommitDetail(ctx context.Context, hash string, opts GitOptions) (core.CommitDetail, error) {
	paneID, worktree := c.gitScope(opts)
	return run(c, func() (core.CommitDetail, error) {
		return c.svc.git.CommitDetail(ctx, paneID, worktree, hash)
	})
}

// CommitFile returns one file's patch within a commit.
func (c *Connection) CommitFile(ctx context.Context, hash, path string, opts GitOptions) (core.DiffFilePatch, error) {
	paneID, worktree := c.gitScope(opts)
	return run(c, func() (core.DiffFilePatch, error) {
		return c.svc.git.CommitFile(ctx, paneID, worktree, hash, path)
	})
}

// --- Screen and command operations ---

// Screen captures the bound pane.
func (c *Connection) Screen(ctx context.Context, opts screen.ScreenOptions) (core.ScreenResponse, error) {
	paneID, _ := c.Scope()
	return run(c, func() (core.ScreenResponse, error) {
		return c.svc.screens.Screen(ctx, paneID, opts)
	})
}

// SendText injects text into the bound pane. Command sends bypass the
// request guard: a keystroke is an action, not a refreshable view.
func (c *Connection) SendText(ctx context.Context, text string, opts screen.SendTextOptions) error {
	paneID, _ := c.Scope()
	return c.svc.screens.SendText(ctx, paneID, text, opts)
}

// SendKeys injects symbolic keys into the bound pane.
func (c *Connection) SendKeys(ctx context.Context, keys []string) error {
	paneID, _ := c.Scope()
	return c.svc.screens.SendKeys(ctx, paneID, keys)
}

// SendRaw injects raw bytes into the bound pane.
func (c *Connection) SendRaw(ctx context.Context, data string) error {
	paneID, _ := c.Scope()
	return c.svc.screens.SendRaw(ctx, paneID, data)
}

// FocusPane activates the bound pane.
func (c *Connection) FocusPane(ctx context.Context) error {
	paneID, _ := c.Scope()
	return c.svc.screens.FocusPane(ctx, paneID)
}

// KillPane terminates the bound pane and publishes its closure.
func (c *Connection) KillPane(ctx context.Context) error {
	paneID, _ := c.Scope()
	if err := c.svc.screens.KillPane(ctx, paneID); err != nil {
		return err
	}
	if c.svc.hub != nil {
		c.svc.hub.Publish(events.NewEvent(events.TypePaneClosed, map[string]any{"paneId": paneID}))
	}
	return nil
}

// --- Usage operations ---

// ProviderSnapshot returns one provider's usage snapshot.
func (c *Connection) ProviderSnapshot(ctx context.Context, providerID string, opts dashboard.SnapshotOptions) (core.ProviderSnapshot, error) {
	return c.svc.dash.ProviderSnapshot(ctx, providerID, opts)
}

// Dashboard returns all provider snapshots.
func (c *Connection) Dashboard(ctx context.Context, opts dashboard.DashboardOptions) (core.Dashboard, error) {
	return c.svc.dash.Dashboard(ctx, opts)
}
