package accounting

import (
	"context"
	"sync"
)

// transaction is the single-use capability returned by CreateTransfer. It
// captures the post/void operations for the reservation's transferRefs rather
// than exposing the refs themselves, so exactly-one-resolution is enforced at
// the handle as well as by the backend state machine.
type transaction struct {
	mu       sync.Mutex
	resolved TransferState
	post     func(ctx context.Context) error
	void     func(ctx context.Context) error
}

// NewTransaction builds a Transaction handle from the backend's post and void
// operations. The first successful resolution wins; later calls fail with
// ErrAlreadyPosted or ErrAlreadyVoided without reaching the backend.
func NewTransaction(post, void func(ctx context.Context) error) Transaction {
	return &transaction{post: post, void: void}
}

func (t *transaction) Post(ctx context.Context) error {
	return t.resolve(ctx, TransferStatePosted, t.post)
}

func (t *transaction) Void(ctx context.Context) error {
	return t.resolve(ctx, TransferStateVoided, t.void)
}

func (t *transaction) resolve(ctx context.Context, target TransferState, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.resolved {
	case TransferStatePosted:
		return ErrAlreadyPosted
	case TransferStateVoided:
		return ErrAlreadyVoided
	}

	if err := fn(ctx); err != nil {
		return err
	}
	t.resolved = target
	return nil
}
