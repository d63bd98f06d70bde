package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

// WithdrawalProcessor fronts the facade's withdrawal operations with an
// optional per-account coalescing delay: rapid successive reservations on the
// same account are spaced out to reduce lock contention on its balance. The
// throttle is an optimization only; correctness never depends on it.
type WithdrawalProcessor struct {
	accounting accounting.AccountingService
	delay      time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	next map[string]time.Time

	now func() time.Time
}

// ProcessorOption configures a WithdrawalProcessor.
type ProcessorOption func(*WithdrawalProcessor)

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *WithdrawalProcessor) { p.logger = logger }
}

// NewWithdrawalProcessor builds a processor with the given coalescing delay.
// A zero delay disables throttling.
func NewWithdrawalProcessor(svc accounting.AccountingService, delay time.Duration, opts ...ProcessorOption) *WithdrawalProcessor {
	p := &WithdrawalProcessor{
		accounting: svc,
		delay:      delay,
		logger:     slog.Default(),
		next:       make(map[string]time.Time),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("service", "withdrawals")
	return p
}

// RequestWithdrawal reserves (or immediately settles, without a timeout) a
// withdrawal, waiting out the account's throttle slot first.
func (p *WithdrawalProcessor) RequestWithdrawal(ctx context.Context, withdrawal accounting.Withdrawal) error {
	if err := p.waitTurn(ctx, withdrawal.Account.ID); err != nil {
		return err
	}
	return p.accounting.CreateWithdrawal(ctx, withdrawal)
}

// PostWithdrawal settles a pending withdrawal.
func (p *WithdrawalProcessor) PostWithdrawal(ctx context.Context, withdrawalID string) error {
	return p.accounting.PostWithdrawal(ctx, withdrawalID)
}

// VoidWithdrawal releases a pending withdrawal.
func (p *WithdrawalProcessor) VoidWithdrawal(ctx context.Context, withdrawalID string) error {
	return p.accounting.VoidWithdrawal(ctx, withdrawalID)
}

// waitTurn claims the account's next free slot and sleeps until it opens.
// Claims happen under the lock so concurrent callers queue up back to back
// instead of piling onto the same slot.
func (p *WithdrawalProcessor) waitTurn(ctx context.Context, accountID string) error {
	if p.delay <= 0 {
		return nil
	}

	p.mu.Lock()
	now := p.now()
	turn := p.next[accountID]
	if turn.Before(now) {
		turn = now
	}
	p.next[accountID] = turn.Add(p.delay)
	p.mu.Unlock()

	wait := turn.Sub(now)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
