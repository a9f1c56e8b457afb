// Package creds resolves Claude OAuth credentials from the environment,
// the platform keychain, and the on-disk credentials file, in that order.
// Candidates are de-duplicated by access token; a later source can only
// upgrade an earlier candidate by supplying a missing refresh token.
package creds

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/subproc"
)

const (
	// EnvToken is the environment variable holding a raw access token.
	EnvToken = "CLAUDE_CODE_OAUTH_TOKEN"
	// keychainService is the generic-password service name Claude Code
	// stores its OAuth blob under.
	keychainService = "Claude Code-credentials"
	// credentialsRelPath is the credentials file path under $HOME.
	credentialsRelPath = ".claude/.credentials.json"
)

// nestedKeys are the object keys a credential blob may hide under.
var nestedKeys = []string{"claudeAiOauth", "oauth", "auth"}

// keychainServicePattern matches keychain service names for Claude Code
// credentials, including the optional "-<suffix>" multi-account form.
var keychainServicePattern = regexp.MustCompile(`^Claude Code-credentials(-[A-Za-z0-9._@-]+)?$`)

// Resolver produces ordered credential candidate lists.
type Resolver struct {
	runner  *subproc.Runner
	getenv  func(string) string
	homeDir func() (string, error)
	goos    string
}

// NewResolver creates a Resolver using the real environment and keychain.
func NewResolver(runner *subproc.Runner) *Resolver {
	return &Resolver{
		runner:  runner,
		getenv:  os.Getenv,
		homeDir: os.UserHomeDir,
		goos:    runtime.GOOS,
	}
}

// Resolve returns the ordered, de-duplicated candidate list. A missing
// source is skipped silently; an empty result is not an error here --
// providers surface TOKEN_NOT_FOUND when they need a credential.
func (r *Resolver) Resolve(ctx context.Context) []core.Credential {
	var out []core.Credential

	if tok := strings.TrimSpace(r.getenv(EnvToken)); tok != "" {
		out = merge(out, core.Credential{AccessToken: tok, Source: "env"})
	}

	for _, cred := range r.keychainCandidates(ctx) {
		out = merge(out, cred)
	}

	if cred, ok := r.fileCandidate(); ok {
		out = merge(out, cred)
	}

	return out
}

// merge appends cred unless its access token is already present, in which
// case the existing entry is upgraded in place when cred carries a refresh
// token the earlier one lacked.
func merge(list []core.Credential, cred core.Credential) []core.Credential {
	if cred.AccessToken == "" {
		return list
	}
	for i := range list {
		if list[i].AccessToken == cred.AccessToken {
			if list[i].RefreshToken == "" && cred.RefreshToken != "" {
				list[i].RefreshToken = cred.RefreshToken
			}
			return list
		}
	}
	return append(list, cred)
}

func (r *Resolver) fileCandidate() (core.Credential, bool) {
	home, err := r.homeDir()
	if err != nil {
		return core.Credential{}, false
	}
	raw, err := os.ReadFile(filepath.Join(home, filepath.FromSlash(credentialsRelPath)))
	if err != nil {
		return core.Credential{}, false
	}
	cred, ok := Extract(raw)
	if !ok {
		return core.Credential{}, false
	}
	cred.Source = "file"
	return cred, true
}

// keychainCandidates reads the primary keychain entry and, on macOS,
// scans dump-keychain output for additional per-account service names.
func (r *Resolver) keychainCandidates(ctx context.Context) []core.Credential {
	if r.goos != "darwin" || r.runner == nil {
		return nil
	}

	services := []string{keychainService}
	if dump, err := r.runner.Output(ctx, "security", "dump-keychain"); err == nil {
		services = appendDiscoveredServices(services, dump)
	}

	var out []core.Credential
	for _, svc := range services {
		blob, err := r.runner.Output(ctx, "security", "find-generic-password", "-s", svc, "-w")
		if err != nil {
			continue
		}
		cred, ok := Extract([]byte(strings.TrimSpace(blob)))
		if !ok {
			slog.Debug("keychain entry not a credential blob", "service", svc)
			continue
		}
		cred.Source = "keychain"
		out = append(out, cred)
	}
	return out
}

// dump-keychain prints service attributes as lines like:
//
//	"svce"<blob>="Claude Code-credentials-work@example.com"
var dumpServiceLine = regexp.MustCompile(`"svce"<blob>="([^"]+)"`)

func appendDiscoveredServices(services []string, dump string) []string {
	seen := map[string]bool{}
	for _, s := range services {
		seen[s] = true
	}
	for _, match := range dumpServiceLine.FindAllStringSubmatch(dump, -1) {
		svc := match[1]
		if seen[svc] || !keychainServicePattern.MatchString(svc) {
			continue
		}
		seen[svc] = true
		services = append(services, svc)
	}
	return services
}

// Extract pulls an (access, refresh) pair out of raw. Three shapes are
// tolerated: a bare token string, a flat JSON object, and an object
// nested under one of the known keys. Both snake_case and camelCase
// field names are accepted.
func Extract(raw []byte) (core.Credential, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return core.Credential{}, false
	}

	if !strings.HasPrefix(trimmed, "{") {
		// Bare token string, optionally JSON-quoted.
		var quoted string
		if err := json.Unmarshal([]byte(trimmed), &quoted); err == nil && quoted != "" {
			return core.Credential{AccessToken: quoted}, true
		}
		return core.Credential{AccessToken: trimmed}, true
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return core.Credential{}, false
	}
	if cred, ok := fromFlat(obj); ok {
		return cred, true
	}
	for _, key := range nestedKeys {
		nested, present := obj[key]
		if !present {
			continue
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err != nil {
			continue
		}
		if cred, ok := fromFlat(inner); ok {
			return cred, true
		}
	}
	return core.Credential{}, false
}

func fromFlat(obj map[string]json.RawMessage) (core.Credential, bool) {
	access := stringField(obj, "accessToken", "access_token")
	if access == "" {
		return core.Credential{}, false
	}
	return core.Credential{
		AccessToken:  access,
		RefreshToken: stringField(obj, "refreshToken", "refresh_token"),
	}, true
}

func stringField(obj map[string]json.RawMessage, names ...string) string {
	for _, name := range names {
		raw, ok := obj[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
