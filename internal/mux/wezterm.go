// Package mux adapts the terminal multiplexer CLI (wezterm) for pane
// capture, keystroke injection, and pane lifecycle commands, and speaks
// the optional binary proxy protocol for direct key delivery.
package mux

import (
	"context"
	"regexp"
	"strings"
	"time"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/subproc"
)

const commandTimeout = 5 * time.Second

// EnterDelay is the pause between committing text and sending the
// trailing newline, so the agent's input handler observes the text
// before the submit.
const EnterDelay = 120 * time.Millisecond

var paneNotFoundRe = regexp.MustCompile(`pane \d+ not found`)

// Service runs wezterm CLI commands.
type Service struct {
	runner *subproc.Runner
	sleep  func(time.Duration)
}

// NewService creates a Service over the given runner.
func NewService(runner *subproc.Runner) *Service {
	return &Service{runner: runner, sleep: time.Sleep}
}

func (s *Service) cli(ctx context.Context, args ...string) (string, error) {
	res, err := s.runner.Run(ctx, "wezterm", append([]string{"cli"}, args...), subproc.Options{
		Timeout: commandTimeout,
	})
	if err != nil {
		return "", classify(err)
	}
	return res.Stdout, nil
}

// classify maps CLI failures onto the provider-facing taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no running wezterm instance"):
		return core.WrapError(core.CodeWeztermUnavailable, err, "wezterm is not running")
	case paneNotFoundRe.MatchString(msg):
		return core.WrapError(core.CodeInvalidPane, err, "pane not found")
	case strings.Contains(msg, "executable file not found"):
		return core.WrapError(core.CodeWeztermUnavailable, err, "wezterm binary not found")
	default:
		return core.WrapError(core.CodeInternal, err, "wezterm command failed")
	}
}

// SendText delivers literal text into a pane. With enter set, a carriage
// return follows via the no-paste path after a short delay.
func (s *Service) SendText(ctx context.Context, paneID, text string, enter bool) error {
	if text != "" {
		if _, err := s.cli(ctx, "send-text", "--pane-id", paneID, "--", text); err != nil {
			return err
		}
	}
	if enter {
		s.sleep(EnterDelay)
		if _, err := s.cli(ctx, "send-text", "--pane-id", paneID, "--no-paste", "--", "\r"); err != nil {
			return err
		}
	}
	return nil
}

// SendRaw delivers bytes without paste wrapping (escape sequences,
// control characters).
func (s *Service) SendRaw(ctx context.Context, paneID, data string) error {
	_, err := s.cli(ctx, "send-text", "--pane-id", paneID, "--no-paste", "--", data)
	return err
}

// FocusPane activates a pane.
func (s *Service) FocusPane(ctx context.Context, paneID string) error {
	_, err := s.cli(ctx, "activate-pane", "--pane-id", paneID)
	return err
}

// KillPane terminates a pane.
func (s *Service) KillPane(ctx context.Context, paneID string) error {
	_, err := s.cli(ctx, "kill-pane", "--pane-id", paneID)
	return err
}

// CaptureText captures the rendered pane contents as lines.
func (s *Service) CaptureText(ctx context.Context, paneID string) ([]string, error) {
	out, err := s.cli(ctx, "get-text", "--pane-id", paneID)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	return lines, nil
}

// CaptureEscapes captures the pane contents with escape sequences, used
// by the image-mode screen path where the client renders server-side
// styling itself.
func (s *Service) CaptureEscapes(ctx context.Context, paneID string) ([]byte, error) {
	out, err := s.cli(ctx, "get-text", "--pane-id", paneID, "--escapes")
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// ListPaneIDs returns the IDs of all live panes.
func (s *Service) ListPaneIDs(ctx context.Context) ([]string, error) {
	out, err := s.cli(ctx, "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	return parsePaneIDs(out), nil
}

var paneIDRe = regexp.MustCompile(`"pane_id"\s*:\s*(\d+)`)

func parsePaneIDs(out string) []string {
	matches := paneIDRe.FindAllStringSubmatch(out, -1)
	ids := make([]string, 0, len(matches))
	seen := map[string]bool{}
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		ids = append(ids, m[1])
	}
	return ids
}
