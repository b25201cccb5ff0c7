// Package metrics holds the process-wide Prometheus collectors, served by the
// viewer at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goopcall_calls_placed_total",
		Help: "Total number of outgoing calls placed",
	})

	IncomingCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goopcall_incoming_calls_total",
		Help: "Total number of incoming call notifications",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goopcall_active_sessions",
		Help: "Number of call sessions not yet ended",
	})

	SessionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_session_outcomes_total",
		Help: "Ended call sessions by outcome",
	}, []string{"outcome"})

	SignalsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_signals_sent_total",
		Help: "Relay events sent",
	}, []string{"event"})

	SignalsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_signals_received_total",
		Help: "Relay events received",
	}, []string{"event"})

	SignalSendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_signal_send_failures_total",
		Help: "Relay events that failed to publish",
	}, []string{"event"})

	NegotiationViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_negotiation_violations_total",
		Help: "Offer/answer messages discarded because they arrived out of state",
	}, []string{"event"})

	BufferedCandidatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goopcall_buffered_ice_candidates_total",
		Help: "ICE candidates held until the remote description was set",
	})

	ActivePeerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goopcall_active_peer_connections",
		Help: "Number of open WebRTC peer connections",
	})

	PeerConnectionStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_peer_connection_state_changes_total",
		Help: "Peer connection state transitions",
	}, []string{"state"})

	PLIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_pli_requests_total",
		Help: "Picture loss indications by direction",
	}, []string{"direction"}) // "sent" | "received"

	RemoteTracksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goopcall_remote_tracks_total",
		Help: "Remote media tracks received",
	}, []string{"type"})

	MediaSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goopcall_media_subscribers",
		Help: "Number of live remote-media websocket viewers",
	})
)
