package screen

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cache"
	"github.com/eugener/palantir/internal/mux"
	"github.com/eugener/palantir/internal/telemetry"
)

const (
	cursorCacheSize = 512
	cursorTTL       = 5 * time.Minute
)

// ProxyDialer opens the optional multiplexer proxy stream for direct
// key delivery. Nil means the CLI fallback path is always used.
type ProxyDialer func(ctx context.Context) (io.ReadWriteCloser, error)

// SendTextOptions tunes one text injection.
type SendTextOptions struct {
	// Enter appends a newline after the text commits.
	Enter bool
	// DangerOverride sends even when the guard matches; the decision is
	// still audited.
	DangerOverride bool
}

// ScreenOptions tunes one screen fetch.
type ScreenOptions struct {
	Mode   core.ScreenMode
	Cursor string
}

// Gateway is the per-pane screen and keystroke service.
type Gateway struct {
	mux     *mux.Service
	guard   *Guard
	audit   AuditSink
	metrics *telemetry.Metrics
	dial    ProxyDialer

	// cursors maps "<paneID>|<cursor>" to the line array last sent under
	// that cursor.
	cursors *cache.Memory[[]string]
	serial  atomic.Uint64
	newCursor func() string
}

// NewGateway creates a Gateway. audit and dial may be nil.
func NewGateway(muxSvc *mux.Service, guard *Guard, audit AuditSink, metrics *telemetry.Metrics, dial ProxyDialer) *Gateway {
	cursors, _ := cache.NewMemory[[]string](cursorCacheSize, cursorTTL)
	return &Gateway{
		mux:       muxSvc,
		guard:     guard,
		audit:     audit,
		metrics:   metrics,
		dial:      dial,
		cursors:   cursors,
		newCursor: func() string { return uuid.NewString() },
	}
}

// Screen captures the pane and returns either a full snapshot or a delta
// response against the client's cursor. An unknown or expired cursor
// always produces a full snapshot.
func (g *Gateway) Screen(ctx context.Context, paneID string, opts ScreenOptions) (core.ScreenResponse, error) {
	now := time.Now().UTC()

	if opts.Mode == core.ScreenImage {
		raw, err := g.mux.CaptureEscapes(ctx, paneID)
		if err != nil {
			return core.ScreenResponse{}, err
		}
		g.countFull()
		return core.ScreenResponse{Full: true, Image: raw, FetchedAt: now}, nil
	}

	lines, err := g.mux.CaptureText(ctx, paneID)
	if err != nil {
		return core.ScreenResponse{}, err
	}

	cursor := g.newCursor()
	g.cursors.Set(paneID+"|"+cursor, lines, cursorTTL)

	if opts.Cursor != "" {
		if prev, ok := g.cursors.Get(paneID + "|" + opts.Cursor); ok {
			deltas := BuildDeltas(prev, lines)
			if !ShouldSendFull(prev, deltas) {
				g.countDeltas(deltas)
				return core.ScreenResponse{
					Deltas:    deltas,
					Cursor:    cursor,
					FetchedAt: now,
				}, nil
			}
		}
	}

	g.countFull()
	return core.ScreenResponse{
		Full:      true,
		Screen:    lines,
		Cursor:    cursor,
		FetchedAt: now,
	}, nil
}

// SendText injects literal text, running the dangerous-command guard
// first. A guard match rejects with DANGEROUS_COMMAND unless the caller
// explicitly overrides; either way the decision is audited.
func (g *Gateway) SendText(ctx context.Context, paneID, text string, opts SendTextOptions) error {
	if g.guard != nil {
		if pattern := g.guard.Check(ctx, paneID, text); pattern != "" {
			blocked := !opts.DangerOverride
			g.recordAudit(ctx, AuditEntry{
				PaneID:   paneID,
				Text:     text,
				Pattern:  pattern,
				Blocked:  blocked,
				Override: opts.DangerOverride,
			})
			if blocked {
				g.countReject("pattern")
				return ErrDangerous(pattern)
			}
		}
		if opts.Enter {
			// The committed line is done; the next send starts clean.
			defer g.guard.ResetPane(paneID)
		}
	}
	return g.mux.SendText(ctx, paneID, text, opts.Enter)
}

// SendKeys delivers symbolic keys, preferring the proxy path when it is
// available and falling back to escape sequences over the CLI.
func (g *Gateway) SendKeys(ctx context.Context, paneID string, keys []string) error {
	if g.dial != nil {
		stream, err := g.dial(ctx)
		if err == nil {
			defer stream.Close()
			return mux.SendKeysProxy(stream, g.serial.Add(1), paneID, keys)
		}
		slog.Debug("proxy unavailable, using cli fallback", "err", err)
	}
	for _, key := range keys {
		seq, ok := keySequences[key]
		if !ok {
			seq = key
		}
		if err := g.mux.SendRaw(ctx, paneID, seq); err != nil {
			return err
		}
	}
	return nil
}

// SendRaw injects bytes without guard evaluation; the transport layer
// restricts this path to trusted callers.
func (g *Gateway) SendRaw(ctx context.Context, paneID, data string) error {
	return g.mux.SendRaw(ctx, paneID, data)
}

// FocusPane activates the pane.
func (g *Gateway) FocusPane(ctx context.Context, paneID string) error {
	return g.mux.FocusPane(ctx, paneID)
}

// KillPane terminates the pane and drops its guard tail.
func (g *Gateway) KillPane(ctx context.Context, paneID string) error {
	if g.guard != nil {
		g.guard.ResetPane(paneID)
	}
	return g.mux.KillPane(ctx, paneID)
}

// keySequences maps symbolic key names onto terminal byte sequences for
// the CLI fallback path.
var keySequences = map[string]string{
	"Enter":     "\r",
	"Tab":       "\t",
	"Escape":    "\x1b",
	"Backspace": "\x7f",
	"Up":        "\x1b[A",
	"Down":      "\x1b[B",
	"Right":     "\x1b[C",
	"Left":      "\x1b[D",
	"Home":      "\x1b[H",
	"End":       "\x1b[F",
	"PageUp":    "\x1b[5~",
	"PageDown":  "\x1b[6~",
	"C-c":       "\x03",
	"C-d":       "\x04",
	"C-z":       "\x1a",
}

func (g *Gateway) recordAudit(ctx context.Context, entry AuditEntry) {
	if g.audit == nil {
		return
	}
	if err := g.audit.RecordGuardAudit(ctx, entry); err != nil {
		slog.Warn("guard audit write failed", "err", err)
	}
}

func (g *Gateway) countReject(reason string) {
	if g.metrics != nil {
		g.metrics.GuardRejects.WithLabelValues(reason).Inc()
	}
}

func (g *Gateway) countFull() {
	if g.metrics != nil {
		g.metrics.ScreenFullCaptures.Inc()
	}
}

func (g *Gateway) countDeltas(deltas []core.ScreenDelta) {
	if g.metrics == nil {
		return
	}
	bytes := 0
	for _, d := range deltas {
		for _, line := range d.InsertLines {
			bytes += len(line)
		}
	}
	g.metrics.ScreenDeltaBytes.Add(float64(bytes))
}
