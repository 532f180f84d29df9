package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "requests_created_total", Help: "Ride requests created by booths"})
	OffersTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "offers_total", Help: "Offers pushed to riders"})
	AcceptsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "accepts_total", Help: "Offers accepted"})
	RejectsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "rejects_total", Help: "Offers rejected"})
	OfferExpiries   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "offer_expiries_total", Help: "Offers that timed out"})
	RidesCompleted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "rides_completed_total", Help: "Rides completed"})
	PointsPending   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "points_pending_review_total", Help: "Completions routed to manual point review"})
	DeliveryMisses  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "delivery_misses_total", Help: "Events that found no attached transport"})

	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "cancellations_total", Help: "Requests cancelled"},
		[]string{"reason"},
	)

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "booth_dispatch",
		Name:      "sweep_duration_seconds",
		Help:      "Expiry sweep duration",
		Buckets:   prometheus.DefBuckets,
	})

	RidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "booth_dispatch", Name: "riders_online", Help: "Riders with a live transport session"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "booth_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "booth_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
