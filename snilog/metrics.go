package snilog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricSNIRequests = "requests"
)

type metrics struct {
	sniRequests *prometheus.CounterVec
}

var (
	labels = []string{"vip", "match"}
)

func newMetrics() *metrics {
	m := &metrics{
		sniRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wangle",
			Subsystem: "sni",
			Name:      metricSNIRequests,
			Help:      "SNI resolutions by match outcome",
		}, labels),
	}

	return m
}

func (m *metrics) save(hl HandshakeLog) {
	m.sniRequests.With(prometheus.Labels{
		"vip":   hl.VIP,
		"match": hl.Match,
	}).Inc()
}
