package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Rides created by dispatch mode"},
		[]string{"mode"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"to"},
	)
	TransitionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transition_rejections_total", Help: "Rejected transition requests by operation and error kind"},
		[]string{"op", "kind"},
	)
	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_candidates",
		Help:      "Candidate drivers per match",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
	})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	NoCandidates     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_no_candidates_total", Help: "Matches that found no driver"})
	OfferRounds      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_rounds_total", Help: "Offer rounds sent"})
	OffersExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Rides cancelled after the last offer round"})
	WalletFailures   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "wallet_failures_total", Help: "Wallet capture/release failures"}, []string{"op"})
	SinkFailures     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "event_sink_failures_total", Help: "Failed ride event deliveries"}, []string{"sink"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers with at least one live session"})
	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_sessions", Help: "Open realtime sessions"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_sent_total", Help: "Realtime frames queued to sessions"},
		[]string{"event"},
	)
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Realtime frames dropped on a full session buffer"},
		[]string{"event"},
	)
	LocationPings = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_pings_total", Help: "Location pings received"},
		[]string{"role"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
