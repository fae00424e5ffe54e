package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "ride_polls_total", Help: "Available-ride list fetches issued"})
	PollsSkipped       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "ride_polls_skipped_total", Help: "Polls skipped because one was already in flight"})
	RidesAccepted      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "rides_accepted_total", Help: "Rides accepted and confirmed by the server"})
	RidesCompleted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "rides_completed_total", Help: "Rides driven to completion"})
	AcceptConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "accept_conflicts_total", Help: "Accept attempts rejected because another driver took the ride"})
	ETACacheHits       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "eta_cache_hits_total", Help: "Directions served from the TTL cache"})
	ETAFallbacks       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "eta_fallbacks_total", Help: "Directions computed via the geometric fallback"})
	SearchState        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ambu_driver", Name: "search_state", Help: "Search cycle state: 0 idle, 1 active, 2 paused"})
	OnlineGauge        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ambu_driver", Name: "online", Help: "Driver online flag as reported to the backend"})
	TokenRefreshes     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "token_refreshes_total", Help: "Successful access-token refreshes"})
	TokenRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambu_driver", Name: "token_refresh_errors_total", Help: "Failed token refresh attempts"})

	APIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambu_driver", Name: "api_errors_total", Help: "Backend API errors by classification"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambu_driver", Name: "http_requests_total", Help: "Control API requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ambu_driver",
			Name:      "http_request_duration_seconds",
			Help:      "Control API request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
