package replicator

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Counters is a point-in-time snapshot of the replication statistics.
// ReplicatorCount tracks live replicators; the rest are monotonic.
type Counters struct {
	ReplicatorCount          int64
	ReplicationCount         int64
	ReplicationErrorCount    int64
	ReplicationCanceledCount int64
	RecoveryCount            int64
	RecoveryErrorCount       int64
	RecoveryCanceledCount    int64
}

type counters struct {
	replicator          atomic.Int64
	replication         atomic.Int64
	replicationError    atomic.Int64
	replicationCanceled atomic.Int64
	recovery            atomic.Int64
	recoveryError       atomic.Int64
	recoveryCanceled    atomic.Int64
}

func (c *counters) snapshot() Counters {
	return Counters{
		ReplicatorCount:          c.replicator.Load(),
		ReplicationCount:         c.replication.Load(),
		ReplicationErrorCount:    c.replicationError.Load(),
		ReplicationCanceledCount: c.replicationCanceled.Load(),
		RecoveryCount:            c.recovery.Load(),
		RecoveryErrorCount:       c.recoveryError.Load(),
		RecoveryCanceledCount:    c.recoveryCanceled.Load(),
	}
}

// collector mirrors the atomics into prometheus without taking part in
// the replication hot path.
type collector struct {
	c *counters

	replicatorDesc          *prometheus.Desc
	replicationDesc         *prometheus.Desc
	replicationErrorDesc    *prometheus.Desc
	replicationCanceledDesc *prometheus.Desc
	recoveryDesc            *prometheus.Desc
	recoveryErrorDesc       *prometheus.Desc
	recoveryCanceledDesc    *prometheus.Desc
}

func newCollector(c *counters) *collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("chunkserver_replicator_"+name, help, nil, nil)
	}
	return &collector{
		c:                       c,
		replicatorDesc:          desc("live", "Replicators currently in flight."),
		replicationDesc:         desc("replications_total", "Direct replications accepted."),
		replicationErrorDesc:    desc("replication_errors_total", "Direct replications failed."),
		replicationCanceledDesc: desc("replications_canceled_total", "Direct replications canceled."),
		recoveryDesc:            desc("recoveries_total", "RS recoveries accepted."),
		recoveryErrorDesc:       desc("recovery_errors_total", "RS recoveries failed."),
		recoveryCanceledDesc:    desc("recoveries_canceled_total", "RS recoveries canceled."),
	}
}

func (col *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.replicatorDesc
	ch <- col.replicationDesc
	ch <- col.replicationErrorDesc
	ch <- col.replicationCanceledDesc
	ch <- col.recoveryDesc
	ch <- col.recoveryErrorDesc
	ch <- col.recoveryCanceledDesc
}

func (col *collector) Collect(ch chan<- prometheus.Metric) {
	snap := col.c.snapshot()
	ch <- prometheus.MustNewConstMetric(col.replicatorDesc, prometheus.GaugeValue, float64(snap.ReplicatorCount))
	ch <- prometheus.MustNewConstMetric(col.replicationDesc, prometheus.CounterValue, float64(snap.ReplicationCount))
	ch <- prometheus.MustNewConstMetric(col.replicationErrorDesc, prometheus.CounterValue, float64(snap.ReplicationErrorCount))
	ch <- prometheus.MustNewConstMetric(col.replicationCanceledDesc, prometheus.CounterValue, float64(snap.ReplicationCanceledCount))
	ch <- prometheus.MustNewConstMetric(col.recoveryDesc, prometheus.CounterValue, float64(snap.RecoveryCount))
	ch <- prometheus.MustNewConstMetric(col.recoveryErrorDesc, prometheus.CounterValue, float64(snap.RecoveryErrorCount))
	ch <- prometheus.MustNewConstMetric(col.recoveryCanceledDesc, prometheus.CounterValue, float64(snap.RecoveryCanceledCount))
}

// DumpCounters renders the snapshot as a table, the shape the operator
// report endpoints use.
func DumpCounters(w io.Writer, snap Counters) {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Counter", "Value"})
	rows := [][2]string{
		{"replicatorCount", fmt.Sprintf("%d", snap.ReplicatorCount)},
		{"replicationCount", fmt.Sprintf("%d", snap.ReplicationCount)},
		{"replicationErrorCount", fmt.Sprintf("%d", snap.ReplicationErrorCount)},
		{"replicationCanceledCount", fmt.Sprintf("%d", snap.ReplicationCanceledCount)},
		{"recoveryCount", fmt.Sprintf("%d", snap.RecoveryCount)},
		{"recoveryErrorCount", fmt.Sprintf("%d", snap.RecoveryErrorCount)},
		{"recoveryCanceledCount", fmt.Sprintf("%d", snap.RecoveryCanceledCount)},
	}
	for _, row := range rows {
		table.Append([]string{row[0], row[1]})
	}
	if err := table.Render(); err != nil {
		log.Err(err).Msg("failed to render replication counters table")
	}
}
