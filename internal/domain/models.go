package domain

import "time"

type Buyer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact"`
	Address   string    `json:"address"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type BuyerCreateRequest struct {
	Name      string   `json:"name"`
	Contact   string   `json:"contact"`
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type BuyerUpdateRequest struct {
	Name      *string  `json:"name,omitempty"`
	Contact   *string  `json:"contact,omitempty"`
	Address   *string  `json:"address,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Active    *bool    `json:"active,omitempty"`
}

// BuyerDeleteResult reports what a delete attempt did. When the buyer is
// referenced by sales and force was not set, Deleted is false and
// LinkedSales carries the blocking count.
type BuyerDeleteResult struct {
	BuyerID       string `json:"buyer_id"`
	Deleted       bool   `json:"deleted"`
	LinkedSales   int    `json:"linked_sales"`
	UnlinkedSales int    `json:"unlinked_sales"`
}

type Product struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Active         bool   `json:"active"`
}

type SaleItem struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	FreeQty        int    `json:"free_qty"`
}

type Sale struct {
	ID             string     `json:"id"`
	BuyerID        string     `json:"buyer_id,omitempty"`
	CustomerName   string     `json:"customer_name,omitempty"`
	Date           time.Time  `json:"date"`
	Items          []SaleItem `json:"items"`
	TotalCents     int64      `json:"total_cents"`
	IsEdited       bool       `json:"is_edited"`
	IsReversed     bool       `json:"is_reversed"`
	ReversalReason string     `json:"reversal_reason,omitempty"`
	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SaleItemInput is a requested sale line. A nil UnitPriceCents means "use the
// catalog price"; an explicit zero is a genuine zero-price line and is kept.
type SaleItemInput struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents *int64 `json:"unit_price_cents,omitempty"`
	FreeQty        int    `json:"free_qty"`
}

type SaleCreateRequest struct {
	BuyerID      string          `json:"buyer_id,omitempty"`
	CustomerName string          `json:"customer_name,omitempty"`
	Date         string          `json:"date,omitempty"`
	Items        []SaleItemInput `json:"items"`
}

type Payment struct {
	ID           string     `json:"id"`
	SaleID       string     `json:"sale_id"`
	Method       string     `json:"method"`
	AmountCents  int64      `json:"amount_cents"`
	CashCents    int64      `json:"cash_cents"`
	ChequeCents  int64      `json:"cheque_cents"`
	ChequeNumber string     `json:"cheque_number,omitempty"`
	ChequeBank   string     `json:"cheque_bank,omitempty"`
	ChequeExpiry *time.Time `json:"cheque_expiry,omitempty"`
	ChequeStatus string     `json:"cheque_status,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type PaymentProposal struct {
	Method       string `json:"method"`
	CashCents    int64  `json:"cash_cents"`
	ChequeCents  int64  `json:"cheque_cents"`
	ChequeNumber string `json:"cheque_number,omitempty"`
	ChequeBank   string `json:"cheque_bank,omitempty"`
	ChequeExpiry string `json:"cheque_expiry,omitempty"`
}

type SettleRemainingRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type ReverseSaleRequest struct {
	ManagerPIN string `json:"manager_pin"`
	Reason     string `json:"reason,omitempty"`
}

type ReturnItem struct {
	ProductID            string `json:"product_id"`
	Qty                  int    `json:"qty"`
	ReplacementProductID string `json:"replacement_product_id,omitempty"`
	ReplacementQty       int    `json:"replacement_qty,omitempty"`
}

type Return struct {
	ID        string       `json:"id"`
	SaleID    string       `json:"sale_id"`
	Date      time.Time    `json:"date"`
	Reason    string       `json:"reason,omitempty"`
	Items     []ReturnItem `json:"items"`
	CreatedAt time.Time    `json:"created_at"`
}

type ReturnRequest struct {
	Reason string       `json:"reason,omitempty"`
	Items  []ReturnItem `json:"items"`
}

// SettlementState is always derived from the ledger, never stored.
// Bounced cheque amounts are excluded from TotalPaidCents, which re-opens
// the pending balance.
type SettlementState struct {
	SaleID             string `json:"sale_id"`
	TotalCents         int64  `json:"total_cents"`
	ReturnedCents      int64  `json:"returned_cents"`
	TotalPaidCents     int64  `json:"total_paid_cents"`
	PendingCents       int64  `json:"pending_cents"`
	PendingCashCents   int64  `json:"pending_cash_cents"`
	PendingChequeCents int64  `json:"pending_cheque_cents"`
	Status             string `json:"status"`
}

type SaleDetail struct {
	Sale       Sale            `json:"sale"`
	Payments   []Payment       `json:"payments"`
	Returns    []Return        `json:"returns"`
	Settlement SettlementState `json:"settlement"`
}

type ShopSummary struct {
	BuyerID            string `json:"buyer_id"`
	BuyerName          string `json:"buyer_name"`
	Sales              int    `json:"sales"`
	TotalCents         int64  `json:"total_cents"`
	TotalPaidCents     int64  `json:"total_paid_cents"`
	PendingCents       int64  `json:"pending_cents"`
	PendingChequeCents int64  `json:"pending_cheque_cents"`
}

type ShopSummaryReport struct {
	GeneratedAt string        `json:"generated_at"`
	Shops       []ShopSummary `json:"shops"`
}

type ProductTotal struct {
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name"`
	UnitsSold     int    `json:"units_sold"`
	FreeUnits     int    `json:"free_units"`
	UnitsReturned int    `json:"units_returned"`
	RevenueCents  int64  `json:"revenue_cents"`
}

type ProductTotalReport struct {
	GeneratedAt string         `json:"generated_at"`
	Products    []ProductTotal `json:"products"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type SalesUserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SalesUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	PaymentMethodCash    = "cash"
	PaymentMethodCheque  = "cheque"
	PaymentMethodSplit   = "split"
	PaymentMethodOngoing = "ongoing"
)

const (
	ChequeStatusPending = "pending"
	ChequeStatusCleared = "cleared"
	ChequeStatusBounced = "bounced"
)

const (
	SettlementPending  = "pending"
	SettlementPartial  = "partial"
	SettlementOngoing  = "ongoing"
	SettlementPaid     = "paid"
	SettlementReversed = "reversed"
)
