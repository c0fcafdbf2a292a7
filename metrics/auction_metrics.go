package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var AuctionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "landlot",
	Name:      "auctions_created_total",
	Help:      "Total number of auctions created.",
}, []string{"result"})

var AuctionsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "landlot",
	Name:      "auctions_closed_total",
	Help:      "Total number of auctions closed by the expiry sweep.",
})

var SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "landlot",
	Name:      "sweeps_total",
	Help:      "Total number of expiry sweeps run.",
}, []string{"result"})

var BidsPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "landlot",
	Name:      "bids_placed_total",
	Help:      "Total number of bid placements seen by the service.",
}, []string{"result"})

var BidsWithdrawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "landlot",
	Name:      "bids_withdrawn_total",
	Help:      "Total number of bid withdrawals seen by the service.",
}, []string{"result"})

var BidChainConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "landlot",
	Name:      "bid_chain_conflicts_total",
	Help:      "Total number of bid commits retried after losing a chain race.",
})
