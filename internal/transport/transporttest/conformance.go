// Package transporttest provides a conformance suite every Transport
// implementation must pass.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/transport"
)

// Factory returns a fresh transport and a resource it can open.
type Factory func(t *testing.T) (transport.Transport, radio.Resource)

// Result is the outcome of one conformance check.
type Result struct {
	Name     string
	Passed   bool
	Error    string
	Duration time.Duration
}

// Report collects conformance results.
type Report struct {
	Name    string
	Results []Result
	Passed  int
	Failed  int
}

func (r *Report) add(res Result) {
	if res.Passed {
		r.Passed++
	} else {
		r.Failed++
	}
	r.Results = append(r.Results, res)
}

type check struct {
	name string
	run  func(ctx context.Context, tr transport.Transport, res radio.Resource) error
}

var checks = []check{
	{"SendBeforeOpen", checkSendBeforeOpen},
	{"BindBeforeOpen", checkBindBeforeOpen},
	{"OpenEmitsHandle", checkOpenEmitsHandle},
	{"SendEmitsLine", checkSendEmitsLine},
	{"CloseThenSend", checkCloseThenSend},
	{"CloseWhenClosed", checkCloseWhenClosed},
	{"OpenCancelled", checkOpenCancelled},
	{"SharedOpen", checkSharedOpen},
}

// RunConformance runs every check against a fresh transport from newTransport.
func RunConformance(t *testing.T, name string, newTransport Factory) {
	t.Helper()
	report := &Report{Name: name}
	for _, c := range checks {
		tr, res := newTransport(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		start := time.Now()
		err := c.run(ctx, tr, res)
		cancel()
		_ = tr.Close(context.Background(), 0, "conformance")

		r := Result{Name: c.name, Passed: err == nil, Duration: time.Since(start)}
		if err != nil {
			r.Error = err.Error()
		}
		report.add(r)
	}
	printReport(t, report)
	if report.Failed > 0 {
		t.Fatalf("transport conformance failed: %d/%d checks passed", report.Passed, len(report.Results))
	}
}

func openParams(res radio.Resource, mode arbiter.Mode) transport.OpenParams {
	return transport.OpenParams{
		Resource: res,
		Station:  "Conformance",
		Program:  "xApi",
		ClientID: "00000000-0000-0000-0000-000000000001",
		Mode:     mode,
	}
}

func checkSendBeforeOpen(ctx context.Context, tr transport.Transport, _ radio.Resource) error {
	if err := tr.SendCommand(ctx, "info"); !errors.Is(err, transport.ErrNotOpen) {
		return fmt.Errorf("SendCommand before Open: got %v, want ErrNotOpen", err)
	}
	return nil
}

func checkBindBeforeOpen(ctx context.Context, tr transport.Transport, _ radio.Resource) error {
	if err := tr.Bind(ctx, "abc"); !errors.Is(err, transport.ErrNotOpen) {
		return fmt.Errorf("Bind before Open: got %v, want ErrNotOpen", err)
	}
	return nil
}

func checkOpenEmitsHandle(ctx context.Context, tr transport.Transport, res radio.Resource) error {
	h, err := tr.Open(ctx, openParams(res, arbiter.Exclusive))
	if err != nil {
		return fmt.Errorf("Open: %w", err)
	}
	if h == 0 {
		return errors.New("Open returned handle 0")
	}
	want := fmt.Sprintf("H%08X", uint32(h))
	return awaitLine(ctx, tr, transport.LineReceived, func(s string) bool { return s == want })
}

func checkSendEmitsLine(ctx context.Context, tr transport.Transport, res radio.Resource) error {
	if _, err := tr.Open(ctx, openParams(res, arbiter.Exclusive)); err != nil {
		return fmt.Errorf("Open: %w", err)
	}
	if err := tr.SendCommand(ctx, "info"); err != nil {
		return fmt.Errorf("SendCommand: %w", err)
	}
	return awaitLine(ctx, tr, transport.LineSent, func(s string) bool {
		return strings.HasPrefix(s, "C") && strings.HasSuffix(s, "|info")
	})
}

func checkCloseThenSend(ctx context.Context, tr transport.Transport, res radio.Resource) error {
	h, err := tr.Open(ctx, openParams(res, arbiter.Exclusive))
	if err != nil {
		return fmt.Errorf("Open: %w", err)
	}
	if err := tr.Close(ctx, h, "done"); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	if err := tr.SendCommand(ctx, "info"); !errors.Is(err, transport.ErrNotOpen) {
		return fmt.Errorf("SendCommand after Close: got %v, want ErrNotOpen", err)
	}
	return nil
}

func checkCloseWhenClosed(ctx context.Context, tr transport.Transport, _ radio.Resource) error {
	if err := tr.Close(ctx, 0, "nothing open"); !errors.Is(err, transport.ErrNotOpen) {
		return fmt.Errorf("Close without session: got %v, want ErrNotOpen", err)
	}
	return nil
}

func checkOpenCancelled(ctx context.Context, tr transport.Transport, res radio.Resource) error {
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := tr.Open(cctx, openParams(res, arbiter.Exclusive)); err == nil {
		return errors.New("Open with cancelled context succeeded")
	}
	return nil
}

func checkSharedOpen(ctx context.Context, tr transport.Transport, res radio.Resource) error {
	h, err := tr.Open(ctx, openParams(res, arbiter.Shared))
	if err != nil {
		return fmt.Errorf("shared Open: %w", err)
	}
	return tr.Close(ctx, h, "done")
}

func awaitLine(ctx context.Context, tr transport.Transport, kind transport.EventKind, match func(string) bool) error {
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == kind && match(ev.Text) {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("no matching %v event: %w", kind, ctx.Err())
		}
	}
}

func printReport(t *testing.T, report *Report) {
	t.Logf("%s", strings.Repeat("=", 60))
	t.Logf("TRANSPORT CONFORMANCE: %s", report.Name)
	t.Logf("%s", strings.Repeat("-", 60))
	for _, r := range report.Results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		t.Logf("%-20s %-5s %-12v %s", r.Name, status, r.Duration.Round(time.Microsecond), r.Error)
	}
	t.Logf("%s", strings.Repeat("=", 60))
}
