// Package claude implements the usage provider for the Claude rate-limit
// endpoint. It iterates resolved credential candidates, refreshing
// expired tokens through the OAuth refresh grant when a candidate
// carries a refresh token.
package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/provider"
)

const (
	providerID    = "claude"
	providerLabel = "Claude"

	defaultUsageURL = "https://api.anthropic.com/api/oauth/usage"
	defaultTokenURL = "https://platform.claude.com/v1/oauth/token"

	// DefaultClientID is the OAuth client used for the refresh grant when
	// CLAUDE_CODE_OAUTH_CLIENT_ID is unset.
	DefaultClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// EnvClientID overrides the refresh-grant OAuth client ID.
	EnvClientID = "CLAUDE_CODE_OAUTH_CLIENT_ID"

	betaHeader = "oauth-2025-04-20"

	sessionWindow = 300 * time.Minute
	weeklyWindow  = 10080 * time.Minute

	fetchTimeout = 5 * time.Second
)

// CredentialSource supplies ordered credential candidates per fetch.
type CredentialSource interface {
	Resolve(ctx context.Context) []core.Credential
}

// Client is the Claude usage provider.
type Client struct {
	usageURL string
	tokenURL string
	clientID string
	http     *http.Client
	creds    CredentialSource
	snapshotTTL time.Duration
	paceThreshold float64
	now      func() time.Time
}

// Option tunes a Client.
type Option func(*Client)

// WithEndpoints overrides the usage and token URLs (tests).
func WithEndpoints(usageURL, tokenURL string) Option {
	return func(c *Client) {
		if usageURL != "" {
			c.usageURL = usageURL
		}
		if tokenURL != "" {
			c.tokenURL = tokenURL
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Claude usage provider. creds supplies token candidates;
// httpClient should carry the shared DNS-cached transport. snapshotTTL
// stamps StaleAt on emitted snapshots.
func New(creds CredentialSource, httpClient *http.Client, snapshotTTL time.Duration, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clientID := os.Getenv(EnvClientID)
	if clientID == "" {
		clientID = DefaultClientID
	}
	c := &Client{
		usageURL:      defaultUsageURL,
		tokenURL:      defaultTokenURL,
		clientID:      clientID,
		http:          httpClient,
		creds:         creds,
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

// FetchUsage retrieves the rate-limit snapshot, walking the credential
// candidate list. An auth failure on a candidate with a refresh token
// triggers one refresh-and-retry before moving to the next candidate.
// When every candidate fails with TOKEN_INVALID, the last such error is
// returned.
func (c *Client) FetchUsage(ctx context.Context) (core.ProviderSnapshot, error) {
	candidates := c.creds.Resolve(ctx)
	if len(candidates) == 0 {
		return core.ProviderSnapshot{}, core.NewError(core.CodeTokenNotFound, "no claude credential found")
	}

	var lastAuthErr error
	for _, cred := range candidates {
		snap, err := c.fetchWithToken(ctx, cred.AccessToken)
		if err == nil {
			return snap, nil
		}
		if !core.IsCode(err, core.CodeTokenInvalid) {
			return core.ProviderSnapshot{}, err
		}
		lastAuthErr = err

		if cred.RefreshToken == "" {
			continue
		}
		refreshed, refreshErr := c.refresh(ctx, cred.RefreshToken)
		if refreshErr != nil {
			slog.Warn("claude token refresh failed", "source", cred.Source, "err", refreshErr)
			lastAuthErr = refreshErr
			continue
		}
		snap, err = c.fetchWithToken(ctx, refreshed)
		if err == nil {
			return snap, nil
		}
		if !core.IsCode(err, core.CodeTokenInvalid) {
			return core.ProviderSnapshot{}, err
		}
		lastAuthErr = err
	}
	return core.ProviderSnapshot{}, lastAuthErr
}

func (c *Client) fetchWithToken(ctx context.Context, token string) (core.ProviderSnapshot, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.usageURL, nil)
	if err != nil {
		return core.ProviderSnapshot{}, core.WrapError(core.CodeInternal, err, "claude: create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("anthropic-beta", betaHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		return core.ProviderSnapshot{}, core.WrapError(core.CodeUpstreamUnavailable, err, "claude: usage request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return core.ProviderSnapshot{}, core.WrapError(core.CodeUpstreamUnavailable, err, "claude: read response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.ProviderSnapshot{}, core.Errorf(core.CodeTokenInvalid, "claude: HTTP %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return core.ProviderSnapshot{}, core.Errorf(core.CodeUpstreamUnavailable, "claude: HTTP %d", resp.StatusCode)
	}

	return c.parseUsage(body)
}

// refresh exchanges a refresh token for a new access token through the
// OAuth refresh grant. AuthStyleInParams puts client_id in the form body,
// which is what the endpoint expects.
func (c *Client) refresh(ctx context.Context, refreshToken string) (string, error) {
	conf := &oauth2.Config{
		ClientID: c.clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	refreshCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, c.http)

	tok, err := conf.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			code := retrieveErr.Response.StatusCode
			if code == http.StatusBadRequest || code == http.StatusUnauthorized {
				return "", core.WrapError(core.CodeTokenInvalid, err, fmt.Sprintf("claude: refresh rejected: HTTP %d", code))
			}
			return "", core.WrapError(core.CodeUpstreamUnavailable, err, fmt.Sprintf("claude: refresh failed: HTTP %d", code))
		}
		return "", core.WrapError(core.CodeUpstreamUnavailable, err, "claude: refresh failed")
	}
	if tok.AccessToken == "" {
		return "", core.NewError(core.CodeUnsupportedResponse, "claude: refresh returned no access token")
	}
	return tok.AccessToken, nil
}

func (c *Client) parseUsage(body []byte) (core.ProviderSnapshot, error) {
	if !gjson.ValidBytes(body) {
		return core.ProviderSnapshot{}, core.NewError(core.CodeUnsupportedResponse, "claude: malformed usage JSON")
	}
	root := gjson.ParseBytes(body)
	fiveHour := root.Get("five_hour")
	sevenDay := root.Get("seven_day")
	if !fiveHour.Exists() && !sevenDay.Exists() {
		return core.ProviderSnapshot{}, core.NewError(core.CodeUnsupportedResponse, "claude: usage payload missing rate-limit windows")
	}

	now := c.now().UTC()
	var windows []core.UsageMetricWindow
	if fiveHour.Exists() {
		windows = append(windows, c.window(core.WindowSession, "Session (5h)", sessionWindow, fiveHour, now))
	}
	if sevenDay.Exists() {
		windows = append(windows, c.window(core.WindowWeekly, "Weekly", weeklyWindow, sevenDay, now))
	}
	if sonnet := root.Get("seven_day_sonnet"); sonnet.Exists() {
		windows = append(windows, c.window(core.WindowModel, "Weekly (Sonnet)", weeklyWindow, sonnet, now))
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

func (c *Client) window(id core.WindowID, title string, duration time.Duration, node gjson.Result, now time.Time) core.UsageMetricWindow {
	w := core.UsageMetricWindow{ID: id, Title: title}
	durationMs := duration.Milliseconds()
	w.WindowDurationMs = &durationMs

	if u := node.Get("utilization"); u.Exists() {
		val := u.Float()
		w.UtilizationPercent = &val
	}
	if rawReset := node.Get("resets_at").String(); rawReset != "" {
		if reset, err := time.Parse(time.RFC3339, rawReset); err == nil {
			resetUTC := reset.UTC()
			w.ResetsAt = &resetUTC
		}
	}
	w.Pace = provider.DerivePace(w.UtilizationPercent, duration, w.ResetsAt, now, c.paceThreshold)
	return w
}
