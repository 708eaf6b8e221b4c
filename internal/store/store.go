package store

import (
	"context"
	"errors"
	"time"

	"milkledger/backend/internal/domain"
	"milkledger/backend/internal/inventory"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrOverpayment         = errors.New("payment exceeds remaining balance")
	ErrMissingChequeDetail = errors.New("cheque number and expiry date required")
	ErrExcessReturn        = errors.New("return quantity exceeds net sold quantity")
	ErrAlreadyReversed     = errors.New("sale already reversed")
	ErrUnauthorized        = errors.New("unauthorized")
)

// Repository is the ledger store contract. Implementations must make every
// operation that both reads settlement totals and writes (AppendPayment,
// CreateReturn, ReverseSale) atomic with respect to the affected sale, so
// two concurrent partial payments can never jointly overpay.
type Repository interface {
	inventory.Adjuster

	CreateBuyer(ctx context.Context, buyer domain.Buyer) (*domain.Buyer, error)
	GetBuyerByID(ctx context.Context, buyerID string) (*domain.Buyer, error)
	ListBuyers(ctx context.Context, includeInactive bool) ([]domain.Buyer, error)
	UpdateBuyer(ctx context.Context, buyer domain.Buyer) (*domain.Buyer, error)
	// DeleteBuyer with force=false fails when sales reference the buyer and
	// reports the count; force=true unlinks those sales and deactivates the
	// buyer in one transaction.
	DeleteBuyer(ctx context.Context, buyerID string, force bool) (*domain.BuyerDeleteResult, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, productID string) (*domain.Product, error)

	// CreateSale persists the sale and decrements stock by qty+freeQty for
	// every line in the same transaction.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, buyerID string, limit int) ([]domain.Sale, error)

	// AppendPayment re-derives the remaining balance under the sale row lock
	// and rejects with ErrOverpayment before persisting anything.
	AppendPayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	ListPaymentsBySale(ctx context.Context, saleID string) ([]domain.Payment, error)
	GetPaymentByID(ctx context.Context, paymentID string) (*domain.Payment, error)
	// UpdateChequeStatus transitions a pending cheque to cleared or bounced.
	UpdateChequeStatus(ctx context.Context, paymentID string, status string) (*domain.Payment, error)

	// CreateReturn validates net-sold quantities, persists the return, and
	// applies the restore/replacement stock deltas in one transaction.
	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	ListReturnsBySale(ctx context.Context, saleID string) ([]domain.Return, error)
	GetReturnedQtyBySale(ctx context.Context, saleID string) (map[string]int, error)

	// ReverseSale deletes every payment, restores stock for qty+freeQty of
	// every line, and marks the sale reversed, all in one transaction.
	ReverseSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
