// Package codex implements the usage provider speaking JSON-RPC over
// stdio to the `codex app-server` subprocess. The subprocess is owned by
// the fetch call and torn down on every exit path.
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/provider"
)

const (
	providerID    = "codex"
	providerLabel = "Codex"

	sessionWindowMins = 300
	weeklyWindowMins  = 10080

	handshakeTimeout = 5 * time.Second

	// msEpochThreshold separates second from millisecond reset stamps.
	// Values above it are treated as milliseconds.
	msEpochThreshold = int64(1_000_000_000_000)
)

// Transport is a line-delimited JSON-RPC byte stream to the app-server.
type Transport interface {
	// Send writes one JSON message followed by a newline.
	Send(msg []byte) error
	// Recv returns the next JSON line.
	Recv() ([]byte, error)
	// Close tears down the transport and the owning process.
	Close() error
}

// SpawnFunc launches the app-server and returns its stdio transport.
type SpawnFunc func(ctx context.Context) (Transport, error)

// Client is the Codex usage provider.
type Client struct {
	spawn         SpawnFunc
	snapshotTTL   time.Duration
	paceThreshold float64
	now           func() time.Time
}

// Option tunes a Client.
type Option func(*Client)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Codex usage provider. spawn may be nil, in which case
// the real `codex app-server` subprocess is used.
func New(spawn SpawnFunc, snapshotTTL time.Duration, opts ...Option) *Client {
	if spawn == nil {
		spawn = spawnAppServer
	}
	c := &Client{
		spawn:         spawn,
		snapshotTTL:   snapshotTTL,
		paceThreshold: provider.DefaultPaceThreshold,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the provider identifier.
func (c *Client) ID() string { return providerID }

// Label returns the human-facing provider name.
func (c *Client) Label() string { return providerLabel }

// FetchUsage performs the initialize handshake and reads the account
// rate limits. Launch, crash, and handshake-timeout failures all map to
// CODEX_APP_SERVER_UNAVAILABLE.
func (c *Client) FetchUsage(ctx context.Context) (core.ProviderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	tr, err := c.spawn(ctx)
	if err != nil {
		return core.ProviderSnapshot{}, core.WrapError(core.CodeCodexAppServerUnavailable, err, "codex: app-server launch failed")
	}
	defer tr.Close()

	if _, err := c.call(ctx, tr, 1, "initialize", map[string]any{
		"clientInfo": map[string]string{"name": "palantir", "version": "1"},
	}); err != nil {
		return core.ProviderSnapshot{}, err
	}
	if err := c.notify(tr, "initialized"); err != nil {
		return core.ProviderSnapshot{}, err
	}
	result, err := c.call(ctx, tr, 2, "account/rateLimits/read", nil)
	if err != nil {
		return core.ProviderSnapshot{}, err
	}
	return c.parseRateLimits(result)
}

func (c *Client) notify(tr Transport, method string) error {
	msg, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method})
	if err := tr.Send(msg); err != nil {
		return core.WrapError(core.CodeCodexAppServerUnavailable, err, "codex: write "+method)
	}
	return nil
}

// call sends one request and reads lines until the matching response id
// arrives, skipping server-initiated notifications.
func (c *Client) call(ctx context.Context, tr Transport, id int64, method string, params any) ([]byte, error) {
	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "codex: marshal "+method)
	}
	if err := tr.Send(msg); err != nil {
		return nil, core.WrapError(core.CodeCodexAppServerUnavailable, err, "codex: write "+method)
	}

	for {
		if ctx.Err() != nil {
			return nil, core.WrapError(core.CodeCodexAppServerUnavailable, ctx.Err(), "codex: handshake timed out")
		}
		line, err := tr.Recv()
		if err != nil {
			return nil, core.WrapError(core.CodeCodexAppServerUnavailable, err, "codex: read response for "+method)
		}
		if !gjson.ValidBytes(line) {
			return nil, core.NewError(core.CodeUnsupportedResponse, "codex: malformed JSON-RPC line")
		}
		parsed := gjson.ParseBytes(line)
		respID := parsed.Get("id")
		if !respID.Exists() || respID.Int() != id {
			continue // notification or unrelated message
		}
		if rpcErr := parsed.Get("error"); rpcErr.Exists() {
			return nil, core.Errorf(core.CodeUpstreamUnavailable, "codex: %s failed: %s", method, rpcErr.Get("message").String())
		}
		result := parsed.Get("result")
		if !result.Exists() {
			return nil, core.NewError(core.CodeUnsupportedResponse, "codex: response missing result")
		}
		return []byte(result.Raw), nil
	}
}

// windowCandidate is one flattened (limit, slot) rate-limit window.
type windowCandidate struct {
	limitID      string
	slot         string // "primary" or "secondary"
	durationMins int64
	usedPercent  float64
	hasUsed      bool
	resetsAt     time.Time
}

func (c *Client) parseRateLimits(result []byte) (core.ProviderSnapshot, error) {
	root := gjson.ParseBytes(result)
	limits := root.Get("rateLimits")
	if !limits.Exists() {
		return core.ProviderSnapshot{}, core.NewError(core.CodeUnsupportedResponse, "codex: result missing rateLimits")
	}

	candidates := flattenLimit("", limits)
	if byID := root.Get("rateLimitsByLimitId"); byID.Exists() {
		byID.ForEach(func(key, value gjson.Result) bool {
			candidates = append(candidates, flattenLimit(key.String(), value)...)
			return true
		})
	}
	candidates = dedupe(candidates)

	now := c.now().UTC()
	var windows []core.UsageMetricWindow
	if w, ok := selectWindow(candidates, sessionWindowMins); ok {
		windows = append(windows, c.window(core.WindowSession, "Session (5h)", w, now))
	}
	if w, ok := selectWindow(candidates, weeklyWindowMins); ok {
		windows = append(windows, c.window(core.WindowWeekly, "Weekly", w, now))
	}
	for _, w := range modelWindows(candidates) {
		windows = append(windows, c.window(core.WindowModel, w.limitID, w, now))
	}

	snap := core.ProviderSnapshot{
		ProviderID:    providerID,
		ProviderLabel: providerLabel,
		AccountLabel:  root.Get("account.email").String(),
		PlanLabel:     root.Get("account.plan").String(),
		Windows:       windows,
		Capabilities:  core.ProviderCapabilities{Windows: true, Cost: true},
		Status:        core.StatusOK,
		Issues:        []core.Issue{},
		FetchedAt:     now,
		StaleAt:       now.Add(c.snapshotTTL),
	}
	return snap, nil
}

// flattenLimit expands one limit object's primary/secondary slots.
func flattenLimit(limitID string, limit gjson.Result) []windowCandidate {
	var out []windowCandidate
	for _, slot := range []string{"primary", "secondary"} {
		node := limit.Get(slot)
		if !node.Exists() {
			continue
		}
		cand := windowCandidate{
			limitID:      limitID,
			slot:         slot,
			durationMins: firstInt(node, "window_minutes", "windowMinutes", "window_duration_mins", "windowDurationMins"),
		}
		if used := firstResult(node, "used_percent", "usedPercent"); used.Exists() {
			cand.usedPercent = used.Float()
			cand.hasUsed = true
		}
		cand.resetsAt = normalizeReset(firstResult(node, "resets_at", "resetsAt", "resets_in_seconds", "resetsInSeconds"))
		out = append(out, cand)
	}
	return out
}

func firstResult(node gjson.Result, names ...string) gjson.Result {
	for _, name := range names {
		if r := node.Get(name); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func firstInt(node gjson.Result, names ...string) int64 {
	return firstResult(node, names...).Int()
}

// normalizeReset interprets a reset stamp that may arrive in seconds or
// milliseconds; values above 10^12 are milliseconds.
func normalizeReset(r gjson.Result) time.Time {
	if !r.Exists() {
		return time.Time{}
	}
	if r.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, r.String()); err == nil {
			return t.UTC()
		}
		return time.Time{}
	}
	epoch := r.Int()
	if epoch <= 0 {
		return time.Time{}
	}
	if epoch > msEpochThreshold {
		return time.UnixMilli(epoch).UTC()
	}
	return time.Unix(epoch, 0).UTC()
}

func dedupe(candidates []windowCandidate) []windowCandidate {
	type key struct {
		limitID  string
		slot     string
		duration int64
		resets   int64
		used     float64
	}
	seen := map[key]bool{}
	out := candidates[:0]
	for _, c := range candidates {
		k := key{c.limitID, c.slot, c.durationMins, c.resetsAt.UnixMilli(), c.usedPercent}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out
}

// selectWindow picks the candidate with the given duration whose reset
// is earliest; ties break toward higher utilization.
func selectWindow(candidates []windowCandidate, durationMins int64) (windowCandidate, bool) {
	var best windowCandidate
	found := false
	for _, c := range candidates {
		if c.durationMins != durationMins {
			continue
		}
		if !found {
			best = c
			found = true
			continue
		}
		switch {
		case resetBefore(c, best):
			best = c
		case resetEqual(c, best) && c.usedPercent > best.usedPercent:
			best = c
		}
	}
	return best, found
}

func resetBefore(a, b windowCandidate) bool {
	if a.resetsAt.IsZero() {
		return false
	}
	if b.resetsAt.IsZero() {
		return true
	}
	return a.resetsAt.Before(b.resetsAt)
}

func resetEqual(a, b windowCandidate) bool {
	return a.resetsAt.Equal(b.resetsAt)
}

// modelWindows returns named per-limit windows that are neither the
// session nor the weekly slot, sorted by limit ID for stable output.
func modelWindows(candidates []windowCandidate) []windowCandidate {
	var out []windowCandidate
	for _, c := range candidates {
		if c.limitID == "" || c.durationMins == sessionWindowMins || c.durationMins == weeklyWindowMins {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].limitID < out[j].limitID })
	return out
}

func (c *Client) window(id core.WindowID, title string, cand windowCandidate, now time.Time) core.UsageMetricWindow {
	w := core.UsageMetricWindow{ID: id, Title: title}
	if cand.durationMins > 0 {
		ms := cand.durationMins * 60_000
		w.WindowDurationMs = &ms
	}
	if cand.hasUsed {
		used := cand.usedPercent
		w.UtilizationPercent = &used
	}
	if !cand.resetsAt.IsZero() {
		reset := cand.resetsAt
		w.ResetsAt = &reset
	}
	w.Pace = provider.DerivePace(w.UtilizationPercent, time.Duration(cand.durationMins)*time.Minute, w.ResetsAt, now, c.paceThreshold)
	return w
}

// --- real subprocess transport ---

type procTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	cancel context.CancelFunc
}

// spawnAppServer launches `codex app-server` with stdio pipes. The
// process is killed when the transport closes or the context ends.
func spawnAppServer(ctx context.Context) (Transport, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, "codex", "app-server")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &procTransport{cmd: cmd, stdin: stdin, lines: scanner, cancel: cancel}, nil
}

func (t *procTransport) Send(msg []byte) error {
	_, err := t.stdin.Write(append(msg, '\n'))
	return err
}

func (t *procTransport) Recv() ([]byte, error) {
	if !t.lines.Scan() {
		if err := t.lines.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return append([]byte(nil), t.lines.Bytes()...), nil
}

func (t *procTransport) Close() error {
	_ = t.stdin.Close()
	t.cancel()
	err := t.cmd.Wait()
	// Killed-by-cancel and nonzero exits are routine teardown outcomes.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("codex app-server: %w", err)
	}
	return nil
}
