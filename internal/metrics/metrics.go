// Package metrics instruments the accounting facade. Every ledger operation
// is counted by outcome and timed, whichever backend is active.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

var (
	opTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Total ledger operations by outcome",
	}, []string{"operation", "outcome"})

	opLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Ledger operation latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// outcome reduces an operation error to a bounded label value so the
// cardinality of ledger_operations_total stays fixed.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, accounting.ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, accounting.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, accounting.ErrInvalidTimeout):
		return "invalid_timeout"
	case errors.Is(err, accounting.ErrSameAccounts):
		return "same_accounts"
	case errors.Is(err, accounting.ErrDifferentAssets):
		return "different_assets"
	case errors.Is(err, accounting.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, accounting.ErrInsufficientDebitBalance):
		return "insufficient_debit_balance"
	case errors.Is(err, accounting.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, accounting.ErrAlreadyPosted):
		return "already_posted"
	case errors.Is(err, accounting.ErrAlreadyVoided):
		return "already_voided"
	case errors.Is(err, accounting.ErrTransferExpired):
		return "transfer_expired"
	case errors.Is(err, accounting.ErrTransferExists):
		return "transfer_exists"
	case errors.Is(err, accounting.ErrUnknownTransfer):
		return "unknown_transfer"
	case errors.Is(err, accounting.ErrUnknownSourceAccount):
		return "unknown_source_account"
	case errors.Is(err, accounting.ErrUnknownDestinationAccount):
		return "unknown_destination_account"
	case errors.Is(err, accounting.ErrAccountAlreadyExists):
		return "account_exists"
	case errors.Is(err, accounting.ErrUnknownAccount):
		return "unknown_account"
	default:
		return "error"
	}
}

func startTimer(operation string) *prometheus.Timer {
	return prometheus.NewTimer(opLatency.WithLabelValues(operation))
}

func record(operation string, timer *prometheus.Timer, err error) {
	timer.ObserveDuration()
	opTotal.WithLabelValues(operation, outcome(err)).Inc()
}
