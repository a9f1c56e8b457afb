package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/mux"
)

const (
	// TextPollInterval paces text-mode screen polling.
	TextPollInterval = 1 * time.Second
	// ImagePollInterval paces image-mode screen polling.
	ImagePollInterval = 2 * time.Second
)

// ScreenPoller captures active panes and publishes a screen event
// whenever the rendered content hash changes. Clients then pull the
// actual delta through the gateway with their own cursor.
type ScreenPoller struct {
	mux    *mux.Service
	scopes ScopeSource
	hub    *events.Hub

	mu     sync.Mutex
	hashes map[string]string
	// nextImagePoll throttles image scopes to the slower cadence.
	nextImagePoll map[string]time.Time
}

// NewScreenPoller creates a poller over the multiplexer service.
func NewScreenPoller(muxSvc *mux.Service, scopes ScopeSource, hub *events.Hub) *ScreenPoller {
	return &ScreenPoller{
		mux:           muxSvc,
		scopes:        scopes,
		hub:           hub,
		hashes:        map[string]string{},
		nextImagePoll: map[string]time.Time{},
	}
}

// Name implements Worker.
func (p *ScreenPoller) Name() string { return "screen_poller" }

// Run ticks at the text cadence; image scopes are internally throttled
// to the image cadence.
func (p *ScreenPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(TextPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *ScreenPoller) tick(ctx context.Context) {
	now := time.Now()
	for _, scope := range p.scopes.ActiveScopes() {
		if scope.Mode == string(core.ScreenImage) {
			p.mu.Lock()
			due := p.nextImagePoll[scope.PaneID]
			if now.Before(due) {
				p.mu.Unlock()
				continue
			}
			p.nextImagePoll[scope.PaneID] = now.Add(ImagePollInterval)
			p.mu.Unlock()
		}

		lines, err := p.mux.CaptureText(ctx, scope.PaneID)
		if err != nil {
			if core.IsCode(err, core.CodeInvalidPane) {
				p.forget(scope.PaneID)
				p.publishClosed(scope.PaneID)
				continue
			}
			slog.Debug("screen poll failed", "pane", scope.PaneID, "err", err)
			continue
		}

		hash := hashScreen(lines)
		p.mu.Lock()
		previous := p.hashes[scope.PaneID]
		p.hashes[scope.PaneID] = hash
		p.mu.Unlock()
		if previous == hash {
			continue
		}
		if p.hub != nil {
			p.hub.Publish(events.NewEvent(events.TypeScreen, map[string]any{
				"paneId": scope.PaneID,
			}))
		}
	}
}

func (p *ScreenPoller) forget(paneID string) {
	p.mu.Lock()
	delete(p.hashes, paneID)
	delete(p.nextImagePoll, paneID)
	p.mu.Unlock()
}

func (p *ScreenPoller) publishClosed(paneID string) {
	if p.hub != nil {
		p.hub.Publish(events.NewEvent(events.TypePaneClosed, map[string]any{
			"paneId": paneID,
		}))
	}
}

// hashScreen fingerprints the rendered lines; blank trailing lines are
// ignored so cursor-only movement does not count as a change.
func hashScreen(lines []string) string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	sum := sha256.Sum256([]byte(strings.Join(lines[:end], "\n")))
	return hex.EncodeToString(sum[:8])
}
