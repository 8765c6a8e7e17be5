package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	return rr.Body.String()
}

func TestProvider_ServesRuntimeAndBuildInfo(t *testing.T) {
	p := Init(BuildInfo{Version: "test", Revision: "r", Branch: "b", BuildDate: "now"})

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "smoke"})
	p.Registerer().MustRegister(g)
	g.Set(42)
	if n := testutil.CollectAndCount(g); n != 1 {
		t.Fatalf("test_gauge samples=%d want 1", n)
	}

	body := scrape(t, p)
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	if !strings.Contains(body, `tilestream_build_info{branch="b",build_date="now",revision="r",version="test"} 1`) {
		t.Fatalf("expected labelled tilestream_build_info; got:\n%s", body)
	}
}

func TestProvider_EngineMetricsShareRegistry(t *testing.T) {
	p := Init(BuildInfo{})
	m := p.Engine()
	m.Resolve("network")
	m.Resident(7)

	body := scrape(t, p)
	if !strings.Contains(body, `tilestream_resolve_total{outcome="network"} 1`) {
		t.Fatalf("resolve counter missing; got:\n%s", body)
	}
	if !strings.Contains(body, `version="dev"`) {
		t.Fatalf("default version missing; got:\n%s", body)
	}
}
