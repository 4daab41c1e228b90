// Package metrics constructs the metrics the application will track.
package metrics

import (
	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// This holds the set of HTTP counters shared by the middleware.
var (
	requests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "node",
		Name:      "http_requests_total",
		Help:      "Number of requests handled.",
	})
	errs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "node",
		Name:      "http_errors_total",
		Help:      "Number of requests that returned an error.",
	})
	panics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "node",
		Name:      "http_panics_total",
		Help:      "Number of panics recovered from handlers.",
	})
)

// AddRequests increments the request counter by 1.
func AddRequests() {
	requests.Inc()
}

// AddErrors increments the errors counter by 1.
func AddErrors() {
	errs.Inc()
}

// AddPanics increments the panics counter by 1.
func AddPanics() {
	panics.Inc()
}

// =============================================================================

// StatsSource provides the node's progress on each scrape.
type StatsSource interface {
	QueryStats() state.NodeStats
}

// nodeCollector reports the node's progress when the registry is scraped.
type nodeCollector struct {
	src StatsSource

	bestNumber     *prometheus.Desc
	chainMaxNumber *prometheus.Desc
	queueSize      *prometheus.Desc
	pendingHeaders *prometheus.Desc
	activePeers    *prometheus.Desc
	pendingPeers   *prometheus.Desc
	mempoolSize    *prometheus.Desc
	imported       *prometheus.Desc
	reorgs         *prometheus.Desc
}

// RegisterNode adds the node gauges and counters to the registerer.
func RegisterNode(reg prometheus.Registerer, src StatsSource) error {
	desc := func(name string, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("node", "", name), help, nil, nil)
	}

	c := nodeCollector{
		src:            src,
		bestNumber:     desc("best_block_number", "Number of the best block."),
		chainMaxNumber: desc("chain_max_number", "Highest number held by the chain store."),
		queueSize:      desc("unprocessed_blocks", "Blocks waiting for insertion."),
		pendingHeaders: desc("pending_headers", "Headers waiting for their bodies."),
		activePeers:    desc("active_peers", "Peers in the active set."),
		pendingPeers:   desc("pending_peers", "Peers waiting for admission."),
		mempoolSize:    desc("mempool_transactions", "Transactions in the pool."),
		imported:       desc("blocks_imported_total", "Blocks inserted into the chain store."),
		reorgs:         desc("reorgs_total", "Main chain switches onto a heavier fork."),
	}

	return reg.Register(&c)
}

// Describe implements the prometheus.Collector interface.
func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bestNumber
	ch <- c.chainMaxNumber
	ch <- c.queueSize
	ch <- c.pendingHeaders
	ch <- c.activePeers
	ch <- c.pendingPeers
	ch <- c.mempoolSize
	ch <- c.imported
	ch <- c.reorgs
}

// Collect implements the prometheus.Collector interface.
func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.QueryStats()

	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}
	counter := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v)
	}

	gauge(c.bestNumber, float64(stats.BestNumber))
	gauge(c.chainMaxNumber, float64(stats.ChainMaxNumber))
	gauge(c.queueSize, float64(stats.QueueSize))
	gauge(c.pendingHeaders, float64(stats.PendingHeaders))
	gauge(c.activePeers, float64(stats.ActivePeers))
	gauge(c.pendingPeers, float64(stats.PendingPeers))
	gauge(c.mempoolSize, float64(stats.MempoolSize))
	counter(c.imported, float64(stats.Imported))
	counter(c.reorgs, float64(stats.Reorgs))
}
