package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	markersPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_markers_published_total",
		Help: "Markers handed to a transport, by transport.",
	}, []string{"transport"})

	markersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_markers_dropped_total",
		Help: "Markers dropped because a hub subscriber or a transport queue was full, by transport.",
	}, []string{"transport"})
)
