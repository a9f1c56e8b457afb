package creds

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/subproc"
)

func TestExtract_BareToken(t *testing.T) {
	t.Parallel()
	cred, ok := Extract([]byte("sk-ant-oat01-abc"))
	if !ok || cred.AccessToken != "sk-ant-oat01-abc" {
		t.Errorf("cred = %+v ok=%v", cred, ok)
	}
}

func TestExtract_FlatObject(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		`{"accessToken":"tok","refreshToken":"ref"}`,
		`{"access_token":"tok","refresh_token":"ref"}`,
	} {
		cred, ok := Extract([]byte(raw))
		if !ok || cred.AccessToken != "tok" || cred.RefreshToken != "ref" {
			t.Errorf("Extract(%s) = %+v ok=%v", raw, cred, ok)
		}
	}
}

func TestExtract_NestedObject(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"claudeAiOauth", "oauth", "auth"} {
		raw := `{"` + key + `":{"accessToken":"nested-tok"}}`
		cred, ok := Extract([]byte(raw))
		if !ok || cred.AccessToken != "nested-tok" {
			t.Errorf("Extract under %q = %+v ok=%v", key, cred, ok)
		}
	}
}

func TestExtract_Rejects(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", `{"unrelated":true}`, `{"claudeAiOauth":{"scope":"x"}}`} {
		if cred, ok := Extract([]byte(raw)); ok {
			t.Errorf("Extract(%q) = %+v, want rejection", raw, cred)
		}
	}
}

func TestMerge_DedupAndUpgrade(t *testing.T) {
	t.Parallel()
	list := merge(nil, core.Credential{AccessToken: "a", Source: "env"})
	list = merge(list, core.Credential{AccessToken: "a", RefreshToken: "r", Source: "file"})
	list = merge(list, core.Credential{AccessToken: "b", Source: "file"})

	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].AccessToken != "a" || list[0].RefreshToken != "r" {
		t.Errorf("first candidate not upgraded in place: %+v", list[0])
	}
	if list[0].Source != "env" {
		t.Errorf("upgrade must not change source order, got %q", list[0].Source)
	}
}

func TestResolve_OrderAndFile(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, ".claude"), 0o755); err != nil {
		t.Fatal(err)
	}
	err := os.WriteFile(filepath.Join(home, ".claude", ".credentials.json"),
		[]byte(`{"claudeAiOauth":{"accessToken":"file-token","refreshToken":"file-refresh"}}`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	r := &Resolver{
		getenv: func(key string) string {
			if key == EnvToken {
				return "env-token"
			}
			return ""
		},
		homeDir: func() (string, error) { return home, nil },
		goos:    "linux", // no keychain
	}

	got := r.Resolve(context.Background())
	if len(got) != 2 {
		t.Fatalf("candidates = %+v, want 2", got)
	}
	if got[0].AccessToken != "env-token" || got[0].Source != "env" {
		t.Errorf("first = %+v, want env token", got[0])
	}
	if got[1].AccessToken != "file-token" || got[1].RefreshToken != "file-refresh" {
		t.Errorf("second = %+v, want file credential", got[1])
	}
}

func TestResolve_KeychainScan(t *testing.T) {
	t.Parallel()
	blobs := map[string]string{
		"Claude Code-credentials":           `{"accessToken":"primary"}`,
		"Claude Code-credentials-work@x.io": `{"accessToken":"work","refreshToken":"wr"}`,
	}
	dump := `keychain: "/Users/u/Library/Keychains/login.keychain-db"
    0x00000007 <blob>="Claude Code-credentials-work@x.io"
    "svce"<blob>="Claude Code-credentials-work@x.io"
    "svce"<blob>="Unrelated Service"
`
	runner := subproc.NewFakeRunner(func(_ context.Context, name string, args []string, _ subproc.Options) (subproc.Result, error) {
		if name != "security" {
			t.Fatalf("unexpected command %q", name)
		}
		switch args[0] {
		case "dump-keychain":
			return subproc.Result{Stdout: dump}, nil
		case "find-generic-password":
			if blob, ok := blobs[args[2]]; ok {
				return subproc.Result{Stdout: blob + "\n"}, nil
			}
			return subproc.Result{}, &subproc.Error{Cmd: "security", ExitCode: 44}
		}
		return subproc.Result{}, &subproc.Error{Cmd: "security"}
	})

	r := &Resolver{
		runner:  runner,
		getenv:  func(string) string { return "" },
		homeDir: func() (string, error) { return t.TempDir(), nil },
		goos:    "darwin",
	}

	got := r.Resolve(context.Background())
	if len(got) != 2 {
		t.Fatalf("candidates = %+v, want primary + discovered", got)
	}
	if got[0].AccessToken != "primary" || got[1].AccessToken != "work" {
		t.Errorf("order = %+v", got)
	}
	if got[1].RefreshToken != "wr" {
		t.Errorf("discovered candidate lost refresh token: %+v", got[1])
	}
}
