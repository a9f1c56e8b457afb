package subproc

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipNoShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRun_CapturesStdoutAndStderr(t *testing.T) {
	t.Parallel()
	skipNoShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), "sh", []string{"-c", "echo out; echo err >&2"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRun_NonZeroExitIsError(t *testing.T) {
	t.Parallel()
	skipNoShell(t)
	r := NewRunner()
	_, err := r.Run(context.Background(), "sh", []string{"-c", "echo partial; exit 3"}, Options{})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if perr.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", perr.ExitCode)
	}
}

func TestRun_AllowStdoutOnError(t *testing.T) {
	t.Parallel()
	skipNoShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), "sh", []string{"-c", "echo partial; exit 1"},
		Options{AllowStdoutOnError: true})
	if err != nil {
		t.Fatalf("non-zero exit with stdout should succeed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "partial" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_AllowStdoutOnError_EmptyStdoutStillFails(t *testing.T) {
	t.Parallel()
	skipNoShell(t)
	r := NewRunner()
	_, err := r.Run(context.Background(), "sh", []string{"-c", "exit 1"},
		Options{AllowStdoutOnError: true})
	if err == nil {
		t.Fatal("empty stdout on failure should still error")
	}
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	skipNoShell(t)
	r := NewRunner()
	start := time.Now()
	_, err := r.Run(context.Background(), "sh", []string{"-c", "sleep 10"},
		Options{Timeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process not killed promptly, took %v", elapsed)
	}
}

func TestRun_OutputCap(t *testing.T) {
	t.Parallel()
	skipNoShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), "sh",
		[]string{"-c", "head -c 4096 /dev/zero | tr '\\0' 'x'"},
		Options{MaxOutput: 1024})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stdout) != 1024 {
		t.Errorf("captured %d bytes, want 1024", len(res.Stdout))
	}
	if !res.Truncated {
		t.Error("truncated flag should be set")
	}
}

func TestFakeRunner(t *testing.T) {
	t.Parallel()
	r := NewFakeRunner(func(_ context.Context, name string, args []string, _ Options) (Result, error) {
		return Result{Stdout: name + ":" + strings.Join(args, ",")}, nil
	})
	out, err := r.Output(context.Background(), "git", "status")
	if err != nil {
		t.Fatal(err)
	}
	if out != "git:status" {
		t.Errorf("out = %q", out)
	}
}
