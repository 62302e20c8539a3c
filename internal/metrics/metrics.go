// Package metrics publishes the core counters as a prometheus collector.
// The registry is handed to the operator console; the core itself serves no
// HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Provider supplies the gauges at scrape time.
type Provider interface {
	BindingCount() int
	DialogCount() int
	PendingCount() int
	BranchCount() int
	DialerActiveCalls() int
}

// Collector gathers the signalling core gauges.
type Collector struct {
	provider  Provider
	startTime time.Time

	bindingsDesc *prometheus.Desc
	dialogsDesc  *prometheus.Desc
	pendingDesc  *prometheus.Desc
	branchesDesc *prometheus.Desc
	dialerDesc   *prometheus.Desc
	uptimeDesc   *prometheus.Desc
}

// NewCollector creates the collector.
func NewCollector(p Provider, startTime time.Time) *Collector {
	return &Collector{
		provider:  p,
		startTime: startTime,
		bindingsDesc: prometheus.NewDesc(
			"imscore_registered_bindings",
			"Number of live registrar bindings",
			nil, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"imscore_active_dialogs",
			"Number of active SIP dialogs",
			nil, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"imscore_pending_requests",
			"Forwarded requests awaiting a final response",
			nil, nil,
		),
		branchesDesc: prometheus.NewDesc(
			"imscore_invite_branches",
			"Saved INVITE branches awaiting CANCEL or final response",
			nil, nil,
		),
		dialerDesc: prometheus.NewDesc(
			"imscore_dialer_active_calls",
			"Outbound calls currently in progress",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"imscore_uptime_seconds",
			"Seconds since process start",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bindingsDesc
	ch <- c.dialogsDesc
	ch <- c.pendingDesc
	ch <- c.branchesDesc
	ch <- c.dialerDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.bindingsDesc, prometheus.GaugeValue, float64(c.provider.BindingCount()))
	ch <- prometheus.MustNewConstMetric(c.dialogsDesc, prometheus.GaugeValue, float64(c.provider.DialogCount()))
	ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(c.provider.PendingCount()))
	ch <- prometheus.MustNewConstMetric(c.branchesDesc, prometheus.GaugeValue, float64(c.provider.BranchCount()))
	ch <- prometheus.MustNewConstMetric(c.dialerDesc, prometheus.GaugeValue, float64(c.provider.DialerActiveCalls()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// NewRegistry returns a registry with the core collector installed.
func NewRegistry(p Provider, startTime time.Time) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(p, startTime))
	return reg
}
