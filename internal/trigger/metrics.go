package trigger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrec_trigger_signals_total",
	Help: "Trigger signals by trigger and result (accepted, rejected, failed).",
}, []string{"trigger", "result"})
