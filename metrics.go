package vegamarket

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the market's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vegamarket",
			Subsystem: "market",
			Name:      "operations_total",
			Help:      "Total number of market operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vegamarket",
			Subsystem: "market",
			Name:      "rollbacks_total",
			Help:      "Total number of operations reverted, including nested calls.",
		},
		[]string{"op"},
	)

	metaTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vegamarket",
			Subsystem: "meta",
			Name:      "transactions_total",
			Help:      "Total number of relayed meta-transactions by forwarded method.",
		},
		[]string{"method", "outcome"},
	)

	settlementAmount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vegamarket",
			Subsystem: "settlement",
			Name:      "amount_tokens",
			Help:      "Settlement token amounts paid per purchase, in whole tokens.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		},
	)

	listedAssets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vegamarket",
			Subsystem: "market",
			Name:      "listed_assets",
			Help:      "Current number of active listings.",
		},
	)
)

func init() {
	Registry.MustRegister(
		operations,
		rollbacks,
		metaTransactions,
		settlementAmount,
		listedAssets,
	)
}

// MetricsHandler returns an HTTP handler exposing the market collectors
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func recordOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	operations.WithLabelValues(op, outcome).Inc()
}

func recordRollback(op string) {
	rollbacks.WithLabelValues(op).Inc()
}

func recordMetaTransaction(method string, err error) {
	if method == "" {
		method = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metaTransactions.WithLabelValues(method, outcome).Inc()
}

var weiPerToken = new(big.Float).SetFloat64(1e18)

func recordSettlement(amount *big.Int) {
	tokens, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), weiPerToken).Float64()
	settlementAmount.Observe(tokens)
}

func setListedAssets(n int) {
	listedAssets.Set(float64(n))
}
