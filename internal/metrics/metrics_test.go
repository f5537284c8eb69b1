package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServeExposesCounters(t *testing.T) {
	TicksTotal.WithLabelValues("RELIANCE").Inc()
	ExitsTotal.WithLabelValues("RELIANCE", "TARGET").Inc()

	srv := Serve("127.0.0.1:0")
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "ticks_total") {
		t.Fatalf("expected ticks_total in metrics output")
	}
	if !strings.Contains(body, "exits_total") {
		t.Fatalf("expected exits_total in metrics output")
	}
}
