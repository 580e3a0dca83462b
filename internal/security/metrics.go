package security

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "childsecurity_checkins_total",
		Help: "Check-in records created.",
	})
	pickupAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "childsecurity_pickup_attempts_total",
		Help: "Pickup verification outcomes.",
	}, []string{"result"})
	overridesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "childsecurity_overrides_total",
		Help: "Emergency manager overrides performed.",
	})
	photosPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "childsecurity_photos_purged_total",
		Help: "Records whose photo material was purged.",
	})
)
