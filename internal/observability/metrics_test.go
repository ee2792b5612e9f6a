package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/rdtlink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(framesCorrupt.WithLabelValues("rdt2", "receive"))
	RecordCorruptFrame("rdt2", "receive")
	if got := testutil.ToFloat64(framesCorrupt.WithLabelValues("rdt2", "receive")); got != before+1 {
		t.Fatalf("corrupt counter got=%v want=%v", got, before+1)
	}

	RecordHTTPRequest("rdtctl", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordFrameSent("rdt3", "data", true)
	RecordFrameReceived("rdt3", "ack")
	RecordDuplicate("rdt3")
	RecordTimeout("rdt3")
	RecordLinkFailure("rdt3")
	RecordSendDuration("rdt3", 40*time.Millisecond)
	if got := testutil.ToFloat64(framesSent.WithLabelValues("rdt3", "data", "true")); got < 1 {
		t.Fatalf("frames sent not recorded: %v", got)
	}
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	r := NewRouter("rdtctl-test", zerolog.Nop())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected healthz: %d %s", rec.Code, rec.Body.String())
	}

	RecordTimeout("rdt3")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"rdtlink_arq_timeouts_total", `rdtlink_http_requests_total{method="GET",path="/healthz",service="rdtctl-test",status="200"}`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
