package ledger

import (
	"context"
)

// Backend is the network capability behind the client: it submits signed
// operations and reads on-ledger records. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Submit executes a signed operation and returns its receipt.
	Submit(ctx context.Context, op Operation, signature string) (Receipt, error)
	// Record returns the current record, or an error wrapping ErrNotFound.
	Record(ctx context.Context, id string) (*Record, error)
	// Balance returns the spendable balance of address.
	Balance(ctx context.Context, address string) (string, error)
}

// Connector establishes a Backend. The client calls it lazily on first use.
type Connector func(ctx context.Context) (Backend, error)

// StaticConnector always returns b.
func StaticConnector(b Backend) Connector {
	return func(context.Context) (Backend, error) {
		return b, nil
	}
}
