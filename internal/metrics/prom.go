package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sshlink"

// Exporter publishes a Collector's counters in the Prometheus text
// format.  Values are read at scrape time.
type Exporter struct {
	c *Collector

	sessionsActive   *prometheus.Desc
	sessionsTotal    *prometheus.Desc
	reconnects       *prometheus.Desc
	relaysActive     *prometheus.Desc
	relaysTotal      *prometheus.Desc
	relayBytes       *prometheus.Desc
	transfers        *prometheus.Desc
	transferBytes    *prometheus.Desc
	tunnelsRecreated *prometheus.Desc
	errors           *prometheus.Desc
}

// NewExporter wraps c.
func NewExporter(c *Collector) *Exporter {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		c:                c,
		sessionsActive:   desc("sessions_active", "Open SSH sessions"),
		sessionsTotal:    desc("sessions_total", "SSH handshakes completed"),
		reconnects:       desc("reconnects_total", "Sessions that replaced an earlier one"),
		relaysActive:     desc("relays_active", "Live tunnel relays"),
		relaysTotal:      desc("relays_total", "Local connections accepted by tunnels"),
		relayBytes:       desc("relay_bytes_total", "Bytes relayed through tunnels", "direction"),
		transfers:        desc("transfers_total", "File transfers by outcome", "outcome"),
		transferBytes:    desc("transfer_bytes_total", "Bytes moved by completed transfers"),
		tunnelsRecreated: desc("tunnels_recreated_total", "Tunnels torn down and rebuilt"),
		errors:           desc("errors_total", "Errors by kind", "kind"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.sessionsActive, e.sessionsTotal, e.reconnects, e.relaysActive, e.relaysTotal,
		e.relayBytes, e.transfers, e.transferBytes, e.tunnelsRecreated, e.errors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()
	gauge := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(e.sessionsActive, s.SessionsActive)
	counter(e.sessionsTotal, s.SessionsTotal)
	counter(e.reconnects, s.Reconnects)
	gauge(e.relaysActive, s.RelaysActive)
	counter(e.relaysTotal, s.RelaysTotal)
	counter(e.relayBytes, s.BytesUp, "up")
	counter(e.relayBytes, s.BytesDown, "down")
	counter(e.transfers, s.TransfersCompleted, "completed")
	counter(e.transfers, s.TransfersCancelled, "cancelled")
	counter(e.transferBytes, s.TransferBytes)
	counter(e.tunnelsRecreated, s.TunnelsRecreated)
	for _, kind := range s.ErrorKinds {
		counter(e.errors, s.ErrorsByKind[kind], kind)
	}
}

// Handler serves c on a private registry together with the Go runtime
// collectors.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewExporter(c),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
