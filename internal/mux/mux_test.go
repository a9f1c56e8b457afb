package mux

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/subproc"
)

type call struct {
	args []string
}

func fakeService(t *testing.T, respond func(args []string) (subproc.Result, error)) (*Service, *[]call) {
	t.Helper()
	calls := &[]call{}
	runner := subproc.NewFakeRunner(func(_ context.Context, name string, args []string, _ subproc.Options) (subproc.Result, error) {
		if name != "wezterm" {
			t.Fatalf("unexpected binary %q", name)
		}
		*calls = append(*calls, call{args: args})
		return respond(args)
	})
	s := NewService(runner)
	s.sleep = func(time.Duration) {}
	return s, calls
}

func ok(args []string) (subproc.Result, error) { return subproc.Result{}, nil }

func TestSendText_WithEnter(t *testing.T) {
	t.Parallel()
	s, calls := fakeService(t, ok)

	if err := s.SendText(context.Background(), "7", "ls -la", true); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 2 {
		t.Fatalf("calls = %d, want text + enter", len(*calls))
	}
	first := strings.Join((*calls)[0].args, " ")
	if first != "cli send-text --pane-id 7 -- ls -la" {
		t.Errorf("first call = %q", first)
	}
	second := strings.Join((*calls)[1].args, " ")
	if second != "cli send-text --pane-id 7 --no-paste -- \r" {
		t.Errorf("second call = %q", second)
	}
}

func TestClassify_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		stderr string
		want   core.ErrorCode
	}{
		{"error: no running wezterm instance, cannot connect", core.CodeWeztermUnavailable},
		{"pane 42 not found", core.CodeInvalidPane},
		{"something exploded", core.CodeInternal},
	}
	for _, tt := range tests {
		s, _ := fakeService(t, func(args []string) (subproc.Result, error) {
			return subproc.Result{}, &subproc.Error{Cmd: "wezterm", Stderr: tt.stderr, ExitCode: 1}
		})
		err := s.FocusPane(context.Background(), "42")
		if !core.IsCode(err, tt.want) {
			t.Errorf("stderr %q: err = %v, want %s", tt.stderr, err, tt.want)
		}
	}
}

func TestCaptureText(t *testing.T) {
	t.Parallel()
	s, _ := fakeService(t, func(args []string) (subproc.Result, error) {
		return subproc.Result{Stdout: "line one\nline two\n"}, nil
	})
	lines, err := s.CaptureText(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "line one" || lines[1] != "line two" {
		t.Errorf("lines = %q", lines)
	}
}

func TestParsePaneIDs(t *testing.T) {
	t.Parallel()
	out := `[{"pane_id": 3, "title": "a"}, {"pane_id": 7, "title": "b"}, {"pane_id": 3}]`
	ids := parsePaneIDs(out)
	if len(ids) != 2 || ids[0] != "3" || ids[1] != "7" {
		t.Errorf("ids = %v", ids)
	}
}

func TestPDU_RoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	in := PDU{Ident: IdentSendKeys, Serial: 99, Data: []byte("7\x00Enter")}
	if err := WritePDU(&buf, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadPDU(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if out.Ident != in.Ident || out.Serial != in.Serial || string(out.Data) != string(in.Data) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

// duplexBuffer lets the test script the proxy peer: writes go to sent,
// reads come from the pre-seeded reply stream.
type duplexBuffer struct {
	sent  bytes.Buffer
	reply bytes.Buffer
}

func (d *duplexBuffer) Write(p []byte) (int, error) { return d.sent.Write(p) }
func (d *duplexBuffer) Read(p []byte) (int, error)  { return d.reply.Read(p) }

func TestSendKeysProxy_Success(t *testing.T) {
	t.Parallel()
	d := &duplexBuffer{}
	WritePDU(&d.reply, PDU{Ident: IdentSuccess, Serial: 5})

	if err := SendKeysProxy(d, 5, "7", []string{"Up", "Enter"}); err != nil {
		t.Fatal(err)
	}
	request, err := ReadPDU(bufio.NewReader(&d.sent))
	if err != nil {
		t.Fatal(err)
	}
	if request.Ident != IdentSendKeys || request.Serial != 5 {
		t.Errorf("request = %+v", request)
	}
	if string(request.Data) != "7\x00Up\x00Enter" {
		t.Errorf("payload = %q", request.Data)
	}
}

func TestSendKeysProxy_ErrorReply(t *testing.T) {
	t.Parallel()
	d := &duplexBuffer{}
	WritePDU(&d.reply, PDU{Ident: IdentError, Serial: 5, Data: []byte("pane 7 gone")})

	err := SendKeysProxy(d, 5, "7", []string{"Enter"})
	if !core.IsCode(err, core.CodeInvalidPane) {
		t.Fatalf("err = %v, want INVALID_PANE", err)
	}
}

func TestSendKeysProxy_SkipsStaleSerial(t *testing.T) {
	t.Parallel()
	d := &duplexBuffer{}
	WritePDU(&d.reply, PDU{Ident: IdentSuccess, Serial: 4}) // stale
	WritePDU(&d.reply, PDU{Ident: IdentSuccess, Serial: 5})

	if err := SendKeysProxy(d, 5, "7", []string{"Enter"}); err != nil {
		t.Fatal(err)
	}
}
