package trail

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sovereign_audit_events_total",
		Help: "Audit events appended to the ledger.",
	})

	anchorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sovereign_audit_anchors_total",
		Help: "Merkle batch anchors emitted.",
	})

	externalPinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sovereign_audit_external_pins_total",
		Help: "External pin attempts by backend and outcome.",
	}, []string{"backend", "status"})

	tsaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sovereign_audit_tsa_requests_total",
		Help: "Timestamp authority requests by outcome.",
	}, []string{"result"})

	continuityViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sovereign_audit_continuity_violations_total",
		Help: "Continuity violations recorded since process start.",
	})
)
