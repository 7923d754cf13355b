package grundner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions(dir string) Options {
	req, rep := OrderNames()
	return Options{
		Dir:            dir,
		RequestName:    req,
		ReplyName:      rep,
		ReplyTimeout:   3 * time.Second,
		PollInterval:   20 * time.Millisecond,
		StableChecks:   2,
		StableInterval: 10 * time.Millisecond,
		BusyGrace:      50 * time.Millisecond,
		ArchiveMatched: true,
	}
}

// echoController polls for the request file and writes transform(content)
// as the reply, deleting the request like the real controller does.
func echoController(t *testing.T, dir string, transform func(string) string) {
	t.Helper()
	req, rep := OrderNames()
	reqPath := filepath.Join(dir, req)
	repPath := filepath.Join(dir, rep)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			data, err := os.ReadFile(reqPath)
			if err != nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			_ = os.WriteFile(repPath, []byte(transform(string(data))), 0o644)
			_ = os.Remove(reqPath)
			return
		}
	}()
}

func TestExchangeConfirmedDespiteLineEndingDifference(t *testing.T) {
	dir := t.TempDir()
	// Controller rewrites CRLF to bare LF; content echo must still confirm.
	echoController(t, dir, func(s string) string {
		out := ""
		for _, r := range s {
			if r != '\r' {
				out += string(r)
			}
		}
		return out
	})

	e := New(testOptions(dir), testLogger())
	payload := EncodeOrderRows([]OrderRow{
		{NCFile: "part_a.nc", Material: "10", Qty: 1},
		{NCFile: "part_b.nc", Material: "10", Qty: 1},
	})
	res, err := e.Run(context.Background(), payload)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Confirmed {
		t.Fatalf("expected confirmed, got reason %q", res.Reason)
	}

	archived, _ := filepath.Glob(filepath.Join(dir, "archive", "order_saw_*.erl"))
	if len(archived) != 1 {
		t.Fatalf("expected matched reply archived, found %v", archived)
	}
}

func TestExchangeMismatchIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	echoController(t, dir, func(s string) string {
		// One changed field: qty 1 -> 2.
		return "part_a.nc;10;2;\r\n"
	})

	e := New(testOptions(dir), testLogger())
	res, err := e.Run(context.Background(), EncodeOrderRows([]OrderRow{{NCFile: "part_a.nc", Material: "10", Qty: 1}}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Confirmed || res.Reason != "HANDSHAKE_MISMATCH" {
		t.Fatalf("expected mismatch, got confirmed=%v reason=%q", res.Confirmed, res.Reason)
	}

	quarantined, _ := filepath.Glob(filepath.Join(dir, "quarantine", "order_saw_*.erl"))
	if len(quarantined) != 1 {
		t.Fatalf("mismatched reply must be quarantined, found %v", quarantined)
	}
}

func TestExchangeTimeoutLeavesNoRequestBehind(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.ReplyTimeout = 100 * time.Millisecond

	e := New(opts, testLogger())
	res, err := e.Run(context.Background(), "part_a.nc;10;1;\r\n")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Confirmed || res.Reason != "HANDSHAKE_TIMEOUT" {
		t.Fatalf("expected timeout, got confirmed=%v reason=%q", res.Confirmed, res.Reason)
	}
	if _, err := os.Stat(filepath.Join(dir, "order_saw.csv")); !os.IsNotExist(err) {
		t.Fatalf("unconsumed request must be removed after timeout")
	}
}

func TestExchangeBusyWhenRequestInFlight(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "order_saw.csv"), []byte("x;y;1;\r\n"), 0o644); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	e := New(testOptions(dir), testLogger())
	res, err := e.Run(context.Background(), "part_a.nc;10;1;\r\n")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Confirmed || res.Reason != "BUSY" {
		t.Fatalf("expected busy, got confirmed=%v reason=%q", res.Confirmed, res.Reason)
	}
}

func TestExchangeSerializesConcurrentRuns(t *testing.T) {
	dir := t.TempDir()
	req, rep := OrderNames()
	reqPath := filepath.Join(dir, req)
	repPath := filepath.Join(dir, rep)

	// Controller that keeps echoing, one request at a time.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(reqPath)
			if err != nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			_ = os.WriteFile(repPath, data, 0o644)
			_ = os.Remove(reqPath)
		}
	}()

	e := New(testOptions(dir), testLogger())
	payloads := []string{
		EncodeOrderRows([]OrderRow{{NCFile: "part_a.nc", Material: "10", Qty: 1}}),
		EncodeOrderRows([]OrderRow{{NCFile: "part_b.nc", Material: "12", Qty: 1}}),
	}

	results := make(chan Result, len(payloads))
	for _, p := range payloads {
		p := p
		go func() {
			res, err := e.Run(context.Background(), p)
			if err != nil {
				t.Errorf("run: %v", err)
			}
			results <- res
		}()
	}
	for range payloads {
		res := <-results
		if !res.Confirmed {
			t.Fatalf("concurrent exchange not confirmed, reason %q", res.Reason)
		}
	}

	// Neither exchange may have clobbered the other's request or thrown
	// away a valid echo.
	quarantined, _ := filepath.Glob(filepath.Join(dir, "quarantine", "*"))
	if len(quarantined) != 0 {
		t.Fatalf("no reply may be quarantined, found %v", quarantined)
	}
	archived, _ := filepath.Glob(filepath.Join(dir, "archive", "order_saw_*.erl"))
	if len(archived) != 2 {
		t.Fatalf("both echoes must be archived, found %v", archived)
	}
}

func TestExchangeQuarantinesStaleReplyBeforeSending(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "order_saw.erl"), []byte("left over\r\n"), 0o644); err != nil {
		t.Fatalf("seed stale reply: %v", err)
	}
	echoController(t, dir, func(s string) string { return s })

	e := New(testOptions(dir), testLogger())
	res, err := e.Run(context.Background(), EncodeOrderRows([]OrderRow{{NCFile: "part_a.nc", Material: "10", Qty: 1}}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Confirmed {
		t.Fatalf("expected confirmed, got reason %q", res.Reason)
	}

	quarantined, _ := filepath.Glob(filepath.Join(dir, "quarantine", "order_saw_*.erl"))
	if len(quarantined) != 1 {
		t.Fatalf("stale reply must be quarantined, found %v", quarantined)
	}
	data, err := os.ReadFile(quarantined[0])
	if err != nil || string(data) != "left over\r\n" {
		t.Fatalf("quarantine must preserve content, got %q err %v", data, err)
	}
}
