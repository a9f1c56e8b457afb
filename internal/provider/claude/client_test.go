package claude

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	core "github.com/eugener/palantir/internal"
)

type staticCreds []core.Credential

func (s staticCreds) Resolve(context.Context) []core.Credential { return s }

type recordedCall struct {
	kind string // "usage" or "refresh"
	auth string
	body string
}

// newFixture stands up usage + token endpoints on one test server and
// returns the client plus the recorded outbound calls.
func newFixture(t *testing.T, creds staticCreds, usage func(auth string, w http.ResponseWriter)) (*Client, *[]recordedCall) {
	t.Helper()
	calls := &[]recordedCall{}
	mux := http.NewServeMux()
	mux.HandleFunc("/usage", func(w http.ResponseWriter, r *http.Request) {
		*calls = append(*calls, recordedCall{kind: "usage", auth: r.Header.Get("Authorization")})
		if r.Header.Get("anthropic-beta") != betaHeader {
			t.Errorf("missing beta header, got %q", r.Header.Get("anthropic-beta"))
		}
		usage(r.Header.Get("Authorization"), w)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		*calls = append(*calls, recordedCall{kind: "refresh", body: r.Form.Encode()})
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"refreshed-token","token_type":"Bearer"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(creds, srv.Client(), 3*time.Minute,
		WithEndpoints(srv.URL+"/usage", srv.URL+"/token"))
	c.clientID = DefaultClientID
	return c, calls
}

const usageBody = `{
	"five_hour": {"utilization": 10, "resets_at": "2026-02-25T10:00:00Z"},
	"seven_day": {"utilization": 20, "resets_at": "2026-03-01T10:00:00Z"}
}`

func TestFetchUsage_TokenFallback(t *testing.T) {
	t.Parallel()
	creds := staticCreds{
		{AccessToken: "env-token", Source: "env"},
		{AccessToken: "file-token", Source: "file"},
	}
	c, calls := newFixture(t, creds, func(auth string, w http.ResponseWriter) {
		if auth == "Bearer env-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(usageBody))
	})

	snap, err := c.FetchUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 2 {
		t.Fatalf("outbound calls = %d, want 2", len(*calls))
	}
	if (*calls)[1].auth != "Bearer file-token" {
		t.Errorf("second call auth = %q, want Bearer file-token", (*calls)[1].auth)
	}
	if len(snap.Windows) != 2 {
		t.Fatalf("windows = %d, want 2", len(snap.Windows))
	}
	session := snap.Windows[0]
	if session.ID != core.WindowSession || session.UtilizationPercent == nil || *session.UtilizationPercent != 10 {
		t.Errorf("session window = %+v", session)
	}
	if session.ResetsAt == nil || !session.ResetsAt.Equal(time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("session resetsAt = %v", session.ResetsAt)
	}
}

func TestFetchUsage_RefreshRetry(t *testing.T) {
	t.Parallel()
	creds := staticCreds{{AccessToken: "stale-token", RefreshToken: "refresh-token", Source: "file"}}
	c, calls := newFixture(t, creds, func(auth string, w http.ResponseWriter) {
		if auth == "Bearer stale-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(usageBody))
	})

	snap, err := c.FetchUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.StatusOK {
		t.Errorf("status = %q", snap.Status)
	}

	kinds := make([]string, len(*calls))
	for i, call := range *calls {
		kinds[i] = call.kind
	}
	if len(kinds) != 3 || kinds[0] != "usage" || kinds[1] != "refresh" || kinds[2] != "usage" {
		t.Fatalf("call order = %v, want [usage refresh usage]", kinds)
	}
	refreshBody := (*calls)[1].body
	for _, want := range []string{
		"grant_type=refresh_token",
		"refresh_token=refresh-token",
		"client_id=" + DefaultClientID,
	} {
		if !strings.Contains(refreshBody, want) {
			t.Errorf("refresh body %q missing %q", refreshBody, want)
		}
	}
	if got := (*calls)[2].auth; got != "Bearer refreshed-token" {
		t.Errorf("final auth = %q, want Bearer refreshed-token", got)
	}
}

func TestFetchUsage_AllCandidatesInvalid(t *testing.T) {
	t.Parallel()
	creds := staticCreds{{AccessToken: "bad1"}, {AccessToken: "bad2"}}
	c, _ := newFixture(t, creds, func(_ string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.FetchUsage(context.Background())
	if !core.IsCode(err, core.CodeTokenInvalid) {
		t.Fatalf("err = %v, want TOKEN_INVALID", err)
	}
}

func TestFetchUsage_NoCredentials(t *testing.T) {
	t.Parallel()
	c, _ := newFixture(t, staticCreds{}, func(_ string, w http.ResponseWriter) {
		w.Write([]byte(usageBody))
	})
	_, err := c.FetchUsage(context.Background())
	if !core.IsCode(err, core.CodeTokenNotFound) {
		t.Fatalf("err = %v, want TOKEN_NOT_FOUND", err)
	}
}

func TestFetchUsage_UpstreamErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		respond  func(w http.ResponseWriter)
		wantCode core.ErrorCode
	}{
		{"server error", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadGateway)
		}, core.CodeUpstreamUnavailable},
		{"malformed json", func(w http.ResponseWriter) {
			w.Write([]byte(`{"five_hour": {`))
		}, core.CodeUnsupportedResponse},
		{"wrong shape", func(w http.ResponseWriter) {
			w.Write([]byte(`{"unexpected": true}`))
		}, core.CodeUnsupportedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newFixture(t, staticCreds{{AccessToken: "tok"}}, func(_ string, w http.ResponseWriter) {
				tt.respond(w)
			})
			_, err := c.FetchUsage(context.Background())
			if !core.IsCode(err, tt.wantCode) {
				t.Fatalf("err = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestFetchUsage_SonnetWindow(t *testing.T) {
	t.Parallel()
	body := `{
		"five_hour": {"utilization": 5, "resets_at": "2026-02-25T10:00:00Z"},
		"seven_day": {"utilization": 9, "resets_at": "2026-03-01T10:00:00Z"},
		"seven_day_sonnet": {"utilization": 42, "resets_at": "2026-03-01T10:00:00Z"}
	}`
	c, _ := newFixture(t, staticCreds{{AccessToken: "tok"}}, func(_ string, w http.ResponseWriter) {
		w.Write([]byte(body))
	})
	snap, err := c.FetchUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Windows) != 3 {
		t.Fatalf("windows = %d, want 3", len(snap.Windows))
	}
	if snap.Windows[2].ID != core.WindowModel {
		t.Errorf("third window id = %q, want model", snap.Windows[2].ID)
	}
}
