package common

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HouzuoGuo/ipoverdns/misc"
)

func TestHandlePrometheus(t *testing.T) {
	misc.EnablePrometheusIntegration = false
	prom := &HandlePrometheus{}
	prom.Initialise()
	rec := httptest.NewRecorder()
	prom.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatal(rec.Code)
	}

	misc.EnablePrometheusIntegration = true
	defer func() {
		misc.EnablePrometheusIntegration = false
	}()
	prom.Initialise()
	rec = httptest.NewRecorder()
	prom.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "promhttp_metric_handler_requests_total") {
		t.Fatal(rec.Code, rec.Body.String())
	}
}
