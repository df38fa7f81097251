package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	onlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerchat_online_users",
		Help: "Number of users currently registered on the relay",
	})

	relayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerchat_relayed_total",
			Help: "Total relayed messages by outcome",
		},
		[]string{"outcome"}, // delivered|queued
	)

	directSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerchat_direct_sends_total",
			Help: "Total direct peer send attempts by outcome",
		},
		[]string{"outcome"}, // ok|fallback|failed
	)

	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_presence_broadcasts_total",
		Help: "Total presence broadcasts fanned out to sessions",
	})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_dropped_lines_total",
		Help: "Total outgoing lines dropped due to session backpressure",
	})

	protocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerchat_protocol_errors_total",
			Help: "Total protocol decode errors by kind",
		},
		[]string{"kind"}, // unknown_command|malformed
	)
)

func init() {
	prometheus.MustRegister(
		onlineUsers,
		relayedTotal,
		directSendsTotal,
		broadcastsTotal,
		droppedTotal,
		protocolErrorsTotal,
	)
}

func AddOnline(delta float64) { onlineUsers.Add(delta) }

func IncRelayed(outcome string) { relayedTotal.WithLabelValues(outcome).Inc() }

func IncDirectSend(outcome string) { directSendsTotal.WithLabelValues(outcome).Inc() }

func IncBroadcast() { broadcastsTotal.Inc() }

func IncDropped() { droppedTotal.Inc() }

func IncProtocolError(kind string) { protocolErrorsTotal.WithLabelValues(kind).Inc() }
