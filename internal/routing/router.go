// Package routing is the consumer side of the ledger: it holds funds on a
// reservation while value moves downstream, then settles the reservation by
// the downstream outcome. It never leaves a Transaction handle unresolved.
package routing

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

// DefaultReservationTimeout bounds how long a payment reservation may stay
// pending before it lapses on its own.
const DefaultReservationTimeout = 30 * time.Second

// Forwarder moves the reserved value downstream. A nil return settles the
// reservation; any error releases it.
type Forwarder func(ctx context.Context) error

// Router drives payments through the reserve/forward/settle cycle.
type Router struct {
	accounting accounting.AccountingService
	logger     *slog.Logger
	timeout    time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithReservationTimeout overrides the default reservation timeout.
func WithReservationTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) { r.timeout = timeout }
}

// NewRouter constructs a payment router over the accounting facade.
func NewRouter(svc accounting.AccountingService, opts ...RouterOption) *Router {
	r := &Router{
		accounting: svc,
		logger:     slog.Default(),
		timeout:    DefaultReservationTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("service", "routing")
	return r
}

// PaymentInput describes one payment to route. DestinationAmount may be nil
// for same-asset payments without slippage.
type PaymentInput struct {
	SourceAccount      accounting.LiquidityAccount
	DestinationAccount accounting.LiquidityAccount
	SourceAmount       *big.Int
	DestinationAmount  *big.Int
}

// SendPayment reserves the amounts, runs forward, and posts or voids the
// reservation by its outcome. The reservation is always resolved before
// SendPayment returns, except when it has already lapsed, which the backend
// reports and the caller treats as a failed payment.
func (r *Router) SendPayment(ctx context.Context, input PaymentInput, forward Forwarder) error {
	trx, err := r.accounting.CreateTransfer(ctx, accounting.TransferOptions{
		SourceAccount:      input.SourceAccount,
		DestinationAccount: input.DestinationAccount,
		SourceAmount:       input.SourceAmount,
		DestinationAmount:  input.DestinationAmount,
		Timeout:            r.timeout,
	})
	if err != nil {
		return err
	}

	if err := forward(ctx); err != nil {
		if voidErr := trx.Void(ctx); voidErr != nil {
			r.logger.Error("void after failed delivery",
				"sourceAccount", input.SourceAccount.ID,
				"error", voidErr)
		}
		return err
	}

	if err := trx.Post(ctx); err != nil {
		r.logger.Error("post after delivery",
			"sourceAccount", input.SourceAccount.ID,
			"error", err)
		return err
	}
	return nil
}
