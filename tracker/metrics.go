package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/contractflow/fleet"
)

type metrics struct {
	applied   prometheus.Counter
	ignored   prometheus.Counter
	connected prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, r *fleet.Reconciler) *metrics {
	factory := promauto.With(reg)
	m := &metrics{
		applied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contractflow",
			Subsystem: "tracker",
			Name:      "events_applied_total",
			Help:      "Events applied to the fleet state.",
		}),
		ignored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contractflow",
			Subsystem: "tracker",
			Name:      "events_ignored_total",
			Help:      "Events ignored for an empty id, unknown stage or unknown status.",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "contractflow",
			Subsystem: "tracker",
			Name:      "stream_connected",
			Help:      "1 while the event stream is connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(&fleetCollector{reconciler: r})
	}
	return m
}

// fleetCollector exports fleet counts computed from the current snapshot at
// scrape time.
type fleetCollector struct {
	reconciler *fleet.Reconciler
}

var (
	contractsDesc = prometheus.NewDesc(
		"contractflow_fleet_contracts",
		"Tracked contracts by state (total, done, active, failed, erroring).",
		[]string{"state"}, nil)
	currentDesc = prometheus.NewDesc(
		"contractflow_fleet_current",
		"Contracts that are not done, by the status of their current stage.",
		[]string{"status"}, nil)
	stageDesc = prometheus.NewDesc(
		"contractflow_fleet_stage_contracts",
		"Contracts by stage and recorded status of that stage.",
		[]string{"stage", "status"}, nil)
	versionDesc = prometheus.NewDesc(
		"contractflow_fleet_snapshot_version",
		"Number of events applied to the fleet state.",
		nil, nil)
)

func (c *fleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- contractsDesc
	ch <- currentDesc
	ch <- stageDesc
	ch <- versionDesc
}

func (c *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	sum := fleet.Summarize(c.reconciler.Snapshot())

	for state, v := range map[string]int{
		"total":    sum.Total,
		"done":     sum.Done,
		"active":   sum.Active,
		"failed":   sum.Failed,
		"erroring": sum.Erroring,
	} {
		ch <- prometheus.MustNewConstMetric(contractsDesc, prometheus.GaugeValue, float64(v), state)
	}
	for status, v := range sum.Current {
		ch <- prometheus.MustNewConstMetric(currentDesc, prometheus.GaugeValue, float64(v), string(status))
	}
	for _, tally := range sum.Stages {
		for status, v := range tally.Counts {
			ch <- prometheus.MustNewConstMetric(stageDesc, prometheus.GaugeValue, float64(v), string(tally.Stage), string(status))
		}
	}
	ch <- prometheus.MustNewConstMetric(versionDesc, prometheus.CounterValue, float64(sum.Version))
}
