// Package metrics exposes Prometheus metrics for the streaming engine.
package metrics

import (
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

// Provider owns the private registry served by the streamer at /metrics.
type Provider struct {
	reg *prometheus.Registry
}

func Init(b BuildInfo) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo(b),
	)
	return &Provider{reg: reg}
}

// buildInfo is a constant 1 labelled with the build. A missing revision is taken
// from the VCS stamp of the binary.
func buildInfo(b BuildInfo) prometheus.Collector {
	if b.Version == "" {
		b.Version = "dev"
	}
	if b.Revision == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					b.Revision = s.Value
				}
			}
		}
	}
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tilestream_build_info",
		Help: "Build of the running streamer (value is always 1).",
		ConstLabels: prometheus.Labels{
			"version":    b.Version,
			"revision":   b.Revision,
			"branch":     b.Branch,
			"build_date": b.BuildDate,
		},
	}, func() float64 { return 1 })
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

// Engine creates the engine metric set on this provider's registry.
func (p *Provider) Engine() *Engine { return NewEngine(p.reg) }
