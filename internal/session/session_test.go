package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/gitcache"
	"github.com/eugener/palantir/internal/mux"
	"github.com/eugener/palantir/internal/screen"
	"github.com/eugener/palantir/internal/subproc"
)

// slowGit blocks status scrapes until released, to stage overlapping
// requests deterministically. entered is signalled when a blocked scrape
// has actually started, i.e. after the request token was issued.
type slowGit struct {
	mu      sync.Mutex
	release chan struct{}
	entered chan struct{}
	blocked bool
}

func (s *slowGit) runner() *subproc.Runner {
	return subproc.NewFakeRunner(func(ctx context.Context, _ string, args []string, _ subproc.Options) (subproc.Result, error) {
		switch args[0] {
		case "rev-parse":
			if args[1] == "--show-toplevel" {
				return subproc.Result{Stdout: "/repo\n"}, nil
			}
			return subproc.Result{Stdout: "abc\n"}, nil
		case "status":
			s.mu.Lock()
			blocked := s.blocked
			release := s.release
			entered := s.entered
			s.mu.Unlock()
			if blocked {
				select {
				case entered <- struct{}{}:
				default:
				}
				select {
				case <-release:
				case <-ctx.Done():
					return subproc.Result{}, ctx.Err()
				}
			}
			return subproc.Result{Stdout: " M a.go\x00"}, nil
		case "rev-list":
			return subproc.Result{Stdout: "1\n"}, nil
		case "log":
			return subproc.Result{}, nil
		case "diff":
			return subproc.Result{Stdout: ""}, nil
		}
		return subproc.Result{}, nil
	})
}

func newFixture(t *testing.T) (*Service, *slowGit) {
	t.Helper()
	g := &slowGit{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	git := gitcache.NewCache(gitcache.NewScraper(g.runner()), nil)

	muxRunner := subproc.NewFakeRunner(func(_ context.Context, _ string, args []string, _ subproc.Options) (subproc.Result, error) {
		if args[1] == "get-text" {
			return subproc.Result{Stdout: "hello\nworld\n"}, nil
		}
		return subproc.Result{}, nil
	})
	screens := screen.NewGateway(mux.NewService(muxRunner), screen.NewGuard(nil, nil), nil, nil, nil)

	return NewService(git, screens, nil, nil, nil), g
}

func TestConnection_ScopeSafety(t *testing.T) {
	t.Parallel()
	svc, g := newFixture(t)
	conn := svc.Open()
	conn.Connect("%1", "/repo", core.ScreenText)
	ctx := context.Background()

	// First request blocks inside git status.
	g.mu.Lock()
	g.blocked = true
	g.mu.Unlock()

	type outcome struct {
		summary core.DiffSummary
		err     error
	}
	results := make(chan outcome, 1)
	go func() {
		summary, err := conn.DiffSummary(ctx, GitOptions{Force: true})
		results <- outcome{summary, err}
	}()
	// Wait until the scrape is in flight, so its token predates the
	// scope change below.
	<-g.entered

	// Switching the worktree changes the scope and supersedes the
	// blocked request.
	conn.Connect("%1", "/other", core.ScreenText)
	g.mu.Lock()
	g.blocked = false
	close(g.release)
	g.mu.Unlock()

	got := <-results
	if !errors.Is(got.err, ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", got.err)
	}
}

func TestConnection_GitFlow(t *testing.T) {
	t.Parallel()
	svc, _ := newFixture(t)
	conn := svc.Open()
	conn.Connect("%1", "/repo", core.ScreenText)
	ctx := context.Background()

	summary, err := conn.DiffSummary(ctx, GitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if summary.RepoRoot != "/repo" || len(summary.Files) != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	log, err := conn.CommitLog(ctx, 0, GitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if log.TotalCount != 1 {
		t.Errorf("log = %+v", log)
	}
}

func TestConnection_ScreenFlow(t *testing.T) {
	t.Parallel()
	svc, _ := newFixture(t)
	conn := svc.Open()
	conn.Connect("%7", "", core.ScreenText)

	resp, err := conn.Screen(context.Background(), screen.ScreenOptions{Mode: core.ScreenText})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Full || strings.Join(resp.Screen, ",") != "hello,world" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestActiveScopes(t *testing.T) {
	t.Parallel()
	svc, _ := newFixture(t)

	a := svc.Open()
	a.Connect("%1", "/repo", core.ScreenText)
	b := svc.Open()
	b.Connect("%2", "/repo", core.ScreenImage)
	c := svc.Open() // never bound
	_ = c

	scopes := svc.ActiveScopes()
	if len(scopes) != 2 {
		t.Fatalf("scopes = %+v", scopes)
	}

	// Hidden connections stop polling.
	b.SetVisibility(false)
	scopes = svc.ActiveScopes()
	if len(scopes) != 1 || scopes[0].PaneID != "%1" {
		t.Fatalf("scopes = %+v", scopes)
	}

	// Duplicate scopes collapse.
	d := svc.Open()
	d.Connect("%1", "/repo", core.ScreenText)
	if got := svc.ActiveScopes(); len(got) != 1 {
		t.Errorf("scopes = %+v, want deduped", got)
	}

	a.Close()
	d.Close()
	if got := svc.ActiveScopes(); len(got) != 0 {
		t.Errorf("scopes = %+v, want empty after close", got)
	}
}

func TestSetVisibility_WakesPollerOnResume(t *testing.T) {
	t.Parallel()
	svc, _ := newFixture(t)
	woken := 0
	svc.SetWakeFunc(func() { woken++ })

	conn := svc.Open()
	conn.SetVisibility(false)
	conn.SetVisibility(true)
	conn.SetVisibility(true) // already visible: no extra kick

	if woken != 1 {
		t.Errorf("woken = %d, want 1 (only on hidden -> visible)", woken)
	}
}
