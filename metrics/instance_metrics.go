package metrics

import (
	"time"

	"landlot/build"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var startTimeUnix = time.Now().UTC().Unix()

var _ = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Namespace: "landlot",
	Name:      "build_info",
	Help:      "Build-time const metadata for this instance.",
	ConstLabels: prometheus.Labels{
		"build_version": build.Version,
		"build_date":    build.Date,
	},
}, func() float64 { return 1.0 })

var _ = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Namespace:   "landlot",
	Name:        "start_timestamp",
	Help:        "UNIX timestamp (UTC) when instance started.",
	ConstLabels: prometheus.Labels{},
}, func() float64 { return float64(startTimeUnix) })

var _ = promauto.NewCounterFunc(prometheus.CounterOpts{
	Namespace:   "landlot",
	Name:        "up_seconds_total",
	Help:        "Total seconds this instance has been up, meant for use with `resets()`.",
	ConstLabels: prometheus.Labels{},
}, func() float64 { return float64(time.Now().UTC().Unix() - startTimeUnix) })
