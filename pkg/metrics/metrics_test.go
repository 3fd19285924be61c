package metrics

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
)

func dump(t *testing.T, m *Metrics) string {
	t.Helper()
	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	return buf.String()
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveSubmission("text-to-video", nil)
	m.ObserveSubmission("text-to-video", &errdefs.TransportError{Op: "POST", URL: "u", Err: errors.New("reset")})
	m.ObservePoll(nil)
	m.ObserveTransition("completed")
	m.ObserveDownload(1024, nil)
	m.ObserveDownload(0, &errdefs.IncompleteDownloadError{Expected: 10, Actual: 8})
	m.ObservePersistFailure("json")
	m.ObserveCycle(150 * time.Millisecond)

	out := dump(t, m)
	for _, want := range []string{
		`vidgen_jobs_submitted_total{kind="text-to-video",result="network"} 1`,
		`vidgen_jobs_submitted_total{kind="text-to-video",result="ok"} 1`,
		`vidgen_downloads_total{result="incomplete"} 1`,
		`vidgen_download_bytes_total 1024`,
		`vidgen_store_persist_failures_total{backend="json"} 1`,
		`vidgen_poll_cycle_duration_seconds_count 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestJobCountsReset(t *testing.T) {
	m := New()
	m.SetJobCounts(map[string]int{"pending": 2, "completed": 1})
	m.SetJobCounts(map[string]int{"completed": 3})

	out := dump(t, m)
	if strings.Contains(out, `vidgen_jobs{status="pending"}`) {
		t.Error("stale pending series should be gone after reset")
	}
	if !strings.Contains(out, `vidgen_jobs{status="completed"} 3`) {
		t.Errorf("completed gauge missing:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveTransition("failed")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `vidgen_status_transitions_total{to="failed"} 1`) {
		t.Errorf("handler output missing transition counter:\n%s", rr.Body.String())
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSubmission("x", nil)
	m.ObservePoll(nil)
	m.ObserveDownload(1, nil)
	m.SetJobCounts(map[string]int{"a": 1})
	if err := m.WriteText(&bytes.Buffer{}); err != nil {
		t.Errorf("nil WriteText: %v", err)
	}
}
