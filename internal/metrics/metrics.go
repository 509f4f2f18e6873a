// Package metrics exposes the Prometheus collectors Blockwatch reports
// through the admin HTTP server. These are derived/observability state
// only — nothing here participates in an
// invariant, and a nil *Collector is safe to call into so components
// can be wired without it in tests.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns the Blockwatch Prometheus metrics.
type Collector struct {
	Registry *prometheus.Registry

	blocksProcessed   *prometheus.CounterVec
	deliveriesCreated *prometheus.CounterVec
	deliveriesSent    *prometheus.CounterVec
	deliveriesFailed  *prometheus.CounterVec
	headLag           *prometheus.GaugeVec
}

// New builds a Collector registered against a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		blocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwatch_blocks_processed_total",
			Help: "Blocks evaluated by a listener, per chain.",
		}, []string{"chain_id"}),
		deliveriesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwatch_deliveries_created_total",
			Help: "Delivery rows written by a listener, per chain and hook.",
		}, []string{"chain_id", "hook_id"}),
		deliveriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwatch_deliveries_sent_total",
			Help: "Deliveries POSTed successfully, per hook.",
		}, []string{"hook_id"}),
		deliveriesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockwatch_deliveries_failed_total",
			Help: "Deliveries that received a non-2xx response or transport error, per hook.",
		}, []string{"hook_id"}),
		headLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blockwatch_head_lag_blocks",
			Help: "Latest observed RPC height minus the chain's tracker watermark.",
		}, []string{"chain_id"}),
	}

	reg.MustRegister(c.blocksProcessed, c.deliveriesCreated, c.deliveriesSent, c.deliveriesFailed, c.headLag)
	return c
}

func itoa(n int32) string {
	return strconv.FormatInt(int64(n), 10)
}

// IncBlocksProcessed records one more block evaluated for chainID.
func (c *Collector) IncBlocksProcessed(chainID int32) {
	if c == nil {
		return
	}
	c.blocksProcessed.WithLabelValues(itoa(chainID)).Inc()
}

// IncDeliveriesCreated records n new delivery rows for (chainID, hookID).
func (c *Collector) IncDeliveriesCreated(chainID int32, hookID string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.deliveriesCreated.WithLabelValues(itoa(chainID), hookID).Add(float64(n))
}

// IncDeliverySent records one successful POST for hookID.
func (c *Collector) IncDeliverySent(hookID string) {
	if c == nil {
		return
	}
	c.deliveriesSent.WithLabelValues(hookID).Inc()
}

// IncDeliveryFailed records one terminal delivery failure for hookID.
func (c *Collector) IncDeliveryFailed(hookID string) {
	if c == nil {
		return
	}
	c.deliveriesFailed.WithLabelValues(hookID).Inc()
}

// SetHeadLag reports the current head lag for chainID.
func (c *Collector) SetHeadLag(chainID int32, lag int64) {
	if c == nil {
		return
	}
	c.headLag.WithLabelValues(itoa(chainID)).Set(float64(lag))
}
