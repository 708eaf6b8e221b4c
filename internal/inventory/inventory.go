// Package inventory defines the stock-adjustment capability the settlement
// engine depends on. Sale, return, and reversal stock deltas are applied by
// the ledger store inside the triggering transaction; this interface covers
// the standalone reads and administrative adjustments.
package inventory

import "context"

type Adjuster interface {
	// AdjustStock applies a delta to a product's stock: negative for
	// consumption, positive for restoration. Implementations reject a
	// delta that would drive stock below zero with ErrInsufficientStock.
	AdjustStock(ctx context.Context, productID string, delta int) error
	GetStock(ctx context.Context, productID string) (int, error)
}
