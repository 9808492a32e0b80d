package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send path
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Optimistic sends by outcome",
		},
		[]string{"outcome"}, // "confirmed" or "rolled_back"
	)

	EmptySends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_empty_sends_total",
			Help: "Sends ignored because the body was blank",
		},
	)

	// Live feed
	InsertsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_inserts_received_total",
			Help: "Insert events received from the live feed",
		},
	)

	EchoesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_echoes_dropped_total",
			Help: "Insert events discarded because the local user sent them",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_active_subscriptions",
			Help: "Open live subscriptions",
		},
	)

	KeepAliveFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_keepalive_failures_total",
			Help: "Keep-alive signals that could not be sent",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Live feed reconnect attempts",
		},
	)

	// Activation
	FetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_fetch_failures_total",
			Help: "Failed activation fetches",
		},
		[]string{"op"}, // "conversation" or "history"
	)
)
