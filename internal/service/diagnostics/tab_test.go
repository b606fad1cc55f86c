package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/splax/kvscope/internal/domain"
)

func TestBuildReportNothingToDisplay(t *testing.T) {
	if report, ok := BuildReport(Aggregate(nil)); ok || report != nil {
		t.Fatalf("expected no report for empty aggregate")
	}
	if _, ok := BuildReport(nil); ok {
		t.Fatalf("expected no report for nil aggregate")
	}
}

func TestBuildReportRows(t *testing.T) {
	root := errors.New("i/o timeout")
	wrapped := fmt.Errorf("read tcp 10.0.0.1:6379: %w", root)

	events := []domain.Event{
		domain.NewOperationStarted(header("cache/0", "a", 0), "GET", []string{"k1"}, true, false),
		domain.NewOperationStarted(header("cache/0", "b", 2*time.Millisecond), "GET", []string{"k1"}, true, false),
		domain.NewOperationStarted(header("cache/1", "c", 3*time.Millisecond), "MGET", []string{"k1", "k2"}, true, true),
		domain.NewOperationCompleted(header("cache/0", "a", 0), []bool{true}, false, 2*time.Millisecond),
		domain.NewOperationCompleted(header("cache/0", "b", 2*time.Millisecond), []bool{false}, false, time.Millisecond),
		domain.NewOperationFailed(header("cache/1", "c", 3*time.Millisecond), []string{"pipeline failed"},
			[]domain.Fault{{Err: wrapped, Stack: "goroutine 7 [running]:\nmain.main()"}}, true, 4*time.Millisecond),
	}

	report, ok := BuildReport(Aggregate(events))
	if !ok {
		t.Fatalf("expected a report")
	}
	if report.Summary.ConnectionCount != 2 || report.Summary.OperationCount != 3 {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
	if report.Summary.ExecutionTime != 7*time.Millisecond {
		t.Fatalf("expected execution time 7ms, got %s", report.Summary.ExecutionTime)
	}
	if len(report.Connections) != 2 || report.Connections[0].Connection != "cache/0" {
		t.Fatalf("unexpected connection tables %+v", report.Connections)
	}

	rows := report.Connections[0].Operations
	if rows[0].Ordinal != 1 || rows[1].Ordinal != 2 {
		t.Fatalf("unexpected ordinals %d %d", rows[0].Ordinal, rows[1].Ordinal)
	}
	if rows[0].Status != "" || rows[1].Status != StatusWarn {
		t.Fatalf("expected duplicate row to warn, got %q %q", rows[0].Status, rows[1].Status)
	}
	if rows[1].Found != "False" {
		t.Fatalf("unexpected found column %q", rows[1].Found)
	}

	mget := report.Connections[1].Operations[0]
	if mget.Keys != "k1\nk2" {
		t.Fatalf("expected newline-joined keys, got %q", mget.Keys)
	}
	if mget.Status != StatusError {
		t.Fatalf("expected error status, got %q", mget.Status)
	}
	if len(mget.Errors) != 2 {
		t.Fatalf("expected message and fault rows, got %d", len(mget.Errors))
	}
	if mget.Errors[0].Error != "pipeline failed" || mget.Errors[0].Stack != "" {
		t.Fatalf("unexpected message row %+v", mget.Errors[0])
	}
	wantName := "read tcp 10.0.0.1:6379: i/o timeout: i/o timeout"
	if mget.Errors[1].Error != wantName {
		t.Fatalf("expected fault name %q, got %q", wantName, mget.Errors[1].Error)
	}
	if !strings.HasPrefix(mget.Errors[1].Stack, "goroutine 7") {
		t.Fatalf("unexpected stack %q", mget.Errors[1].Stack)
	}
}

func TestFaultNamePlainError(t *testing.T) {
	if got := faultName(errors.New("boom")); got != "boom" {
		t.Fatalf("expected plain message, got %q", got)
	}
	if got := faultName(nil); got != "<nil>" {
		t.Fatalf("expected nil marker, got %q", got)
	}
}

func TestRenderText(t *testing.T) {
	events := []domain.Event{
		domain.NewOperationStarted(header("cache/0", "a", time.Millisecond), "GET", []string{"user:1"}, true, false),
		domain.NewOperationFailed(header("cache/0", "a", time.Millisecond), []string{"ERR wrong type"}, nil, false, 1500*time.Microsecond),
	}
	report, _ := BuildReport(Aggregate(events))

	var buf bytes.Buffer
	if err := RenderText(&buf, report); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Operations: 1", "[cache/0]", "user:1", "1.50 ms", "T+ 1.00 ms", "#1 error: ERR wrong type"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := RenderText(&buf, nil); err != nil {
		t.Fatalf("render nil: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "nothing to display" {
		t.Fatalf("unexpected output for nil report: %q", buf.String())
	}
}
