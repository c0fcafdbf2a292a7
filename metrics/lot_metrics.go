package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var LotsTotal = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "landlot",
	Name:      "lots_total",
	Help:      "Number of lots known to the store.",
})

var LotsOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "landlot",
	Name:      "lots_open",
	Help:      "Number of lots still accepting bids.",
})

var LotsWithoutBids = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "landlot",
	Name:      "lots_without_bids",
	Help:      "Number of lots with an empty bid chain.",
})

var LotSizeTotal = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "landlot",
	Name:      "lot_size_total",
	Help:      "Combined size (ha) of all lots known to the store.",
})
