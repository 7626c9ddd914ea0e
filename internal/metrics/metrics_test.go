package metrics

import (
	"strings"
	"testing"
)

func TestRenderIncludesCounterAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("portico_tunnel_opens_total", map[string]string{"status": "ok"})
	r.ObserveHistogram("portico_tunnel_open_latency_ms", 120, map[string]string{"status": "ok"})

	out := r.Render()
	if !strings.Contains(out, `portico_tunnel_opens_total{status="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", out)
	}
	if !strings.Contains(out, `portico_tunnel_open_latency_ms_count{status="ok"} 1`) {
		t.Fatalf("missing histogram count sample: %s", out)
	}
}

func TestRenderGaugeReflectsLastSet(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("portico_tunnels_open", 3, nil)
	r.SetGauge("portico_tunnels_open", 2, nil)

	out := r.Render()
	if !strings.Contains(out, "portico_tunnels_open 2") {
		t.Fatalf("gauge should hold last value: %s", out)
	}
}

func TestUnregisteredSeriesIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("portico_does_not_exist_total", nil)
	if strings.Contains(r.Render(), "portico_does_not_exist_total") {
		t.Fatal("unregistered counter should not render")
	}
}
