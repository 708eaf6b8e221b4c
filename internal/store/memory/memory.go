// Package memory implements store.Repository with in-process maps. It backs
// local development and the service test suite, and mirrors the transactional
// semantics of the postgres store: every balance-sensitive write re-derives
// the sale's remaining balance while holding the store lock.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"milkledger/backend/internal/domain"
	"milkledger/backend/internal/store"
	"milkledger/backend/internal/xid"
)

type Store struct {
	mu sync.RWMutex

	buyers   map[string]domain.Buyer
	products map[string]domain.Product
	stock    map[string]int
	sales    map[string]domain.Sale
	payments map[string]domain.Payment
	returns  map[string]domain.Return
	audits   []domain.AuditLog
	users    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		buyers:   make(map[string]domain.Buyer),
		products: make(map[string]domain.Product),
		stock:    make(map[string]int),
		sales:    make(map[string]domain.Sale),
		payments: make(map[string]domain.Payment),
		returns:  make(map[string]domain.Return),
		users:    make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store pre-loaded with the dairy catalog and the two
// seed accounts, matching what the schema migration seeds in postgres.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seedProducts := []struct {
		id    string
		name  string
		price int64
		stock int
	}{
		{"prod-milk-1l", "Milk 1L Pouch", 6500, 500},
		{"prod-curd-500g", "Curd 500g Cup", 5000, 300},
		{"prod-butter-250g", "Butter 250g Block", 14500, 120},
		{"prod-yogurt-cup", "Yogurt Cup 150g", 2500, 400},
		{"prod-ghee-1l", "Ghee 1L Tin", 62000, 60},
	}
	for _, p := range seedProducts {
		s.products[p.id] = domain.Product{ID: p.id, Name: p.name, UnitPriceCents: p.price, Active: true}
		s.stock[p.id] = p.stock
	}

	seedBuyers := []struct {
		id      string
		name    string
		contact string
		address string
	}{
		{"shop-seed-1", "Sunrise General Store", "0771234001", "12 Lake Road"},
		{"shop-seed-2", "Hilltop Dairy Corner", "0771234002", "4 Temple Street"},
	}
	for _, b := range seedBuyers {
		s.buyers[b.id] = domain.Buyer{
			ID: b.id, Name: b.name, Contact: b.contact, Address: b.address,
			Active: true, CreatedAt: now,
		}
	}

	s.seedUser("admin", envOr("SEED_ADMIN_PASSWORD", "admin12345"), "admin", now)
	s.seedUser("sales", envOr("SEED_SALES_PASSWORD", "sales12345"), "sales", now)

	return s
}

func (s *Store) seedUser(username string, password string, role string, at time.Time) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return
	}
	s.users[username] = domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      role,
		Active:    true,
		CreatedAt: at,
	}
}

func envOr(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// ---- buyers ----

func (s *Store) CreateBuyer(_ context.Context, buyer domain.Buyer) (*domain.Buyer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buyer.ID == "" {
		buyer.ID = xid.New("shop")
	}
	for _, existing := range s.buyers {
		if existing.Active && strings.EqualFold(existing.Name, buyer.Name) {
			return nil, fmt.Errorf("%w: buyer name already exists", store.ErrValidation)
		}
	}

	s.buyers[buyer.ID] = buyer
	out := buyer
	return &out, nil
}

func (s *Store) GetBuyerByID(_ context.Context, buyerID string) (*domain.Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buyer, ok := s.buyers[buyerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := buyer
	return &out, nil
}

func (s *Store) ListBuyers(_ context.Context, includeInactive bool) ([]domain.Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Buyer, 0, len(s.buyers))
	for _, buyer := range s.buyers {
		if !includeInactive && !buyer.Active {
			continue
		}
		out = append(out, buyer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateBuyer(_ context.Context, buyer domain.Buyer) (*domain.Buyer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buyers[buyer.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.buyers[buyer.ID] = buyer
	out := buyer
	return &out, nil
}

func (s *Store) DeleteBuyer(_ context.Context, buyerID string, force bool) (*domain.BuyerDeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buyer, ok := s.buyers[buyerID]
	if !ok {
		return nil, store.ErrNotFound
	}

	linked := make([]string, 0)
	for id, sale := range s.sales {
		if sale.BuyerID == buyerID {
			linked = append(linked, id)
		}
	}

	result := &domain.BuyerDeleteResult{BuyerID: buyerID, LinkedSales: len(linked)}
	if len(linked) > 0 && !force {
		return result, nil
	}

	for _, id := range linked {
		sale := s.sales[id]
		sale.BuyerID = ""
		s.sales[id] = sale
	}

	buyer.Active = false
	s.buyers[buyerID] = buyer

	result.Deleted = true
	result.UnlinkedSales = len(linked)
	return result, nil
}

// ---- products / stock ----

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		out = append(out, product)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetProductByID(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := product
	return &out, nil
}

func (s *Store) GetStock(_ context.Context, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return 0, store.ErrNotFound
	}
	return s.stock[productID], nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustStockLocked(productID, delta)
}

func (s *Store) adjustStockLocked(productID string, delta int) error {
	if _, ok := s.products[productID]; !ok {
		return store.ErrNotFound
	}
	next := s.stock[productID] + delta
	if next < 0 {
		return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, productID)
	}
	s.stock[productID] = next
	return nil
}

// ---- sales ----

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.BuyerID != "" {
		if _, ok := s.buyers[sale.BuyerID]; !ok {
			return nil, store.ErrNotFound
		}
	}

	// Check all lines before applying any delta so a mid-list failure never
	// leaves a partial decrement.
	need := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if _, ok := s.products[item.ProductID]; !ok {
			return nil, store.ErrNotFound
		}
		need[item.ProductID] += item.Qty + item.FreeQty
	}
	for productID, qty := range need {
		if s.stock[productID] < qty {
			return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, productID)
		}
	}
	for productID, qty := range need {
		s.stock[productID] -= qty
	}

	sale.Items = append([]domain.SaleItem(nil), sale.Items...)
	s.sales[sale.ID] = sale
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) GetSaleByID(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, buyerID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if buyerID != "" && sale.BuyerID != buyerID {
			continue
		}
		out = append(out, cloneSale(sale))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- payments ----

func (s *Store) AppendPayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[payment.SaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.IsReversed {
		return nil, store.ErrAlreadyReversed
	}

	remaining := s.remainingCentsLocked(&sale)
	if payment.AmountCents > remaining {
		return nil, fmt.Errorf("%w: remaining %d, proposed %d", store.ErrOverpayment, remaining, payment.AmountCents)
	}

	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	s.payments[payment.ID] = payment
	out := payment
	return &out, nil
}

func (s *Store) ListPaymentsBySale(_ context.Context, saleID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paymentsBySaleLocked(saleID), nil
}

func (s *Store) paymentsBySaleLocked(saleID string) []domain.Payment {
	out := make([]domain.Payment, 0, 4)
	for _, payment := range s.payments {
		if payment.SaleID == saleID {
			out = append(out, payment)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) GetPaymentByID(_ context.Context, paymentID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := payment
	return &out, nil
}

func (s *Store) UpdateChequeStatus(_ context.Context, paymentID string, status string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != domain.ChequeStatusCleared && status != domain.ChequeStatusBounced {
		return nil, fmt.Errorf("%w: invalid cheque status %q", store.ErrValidation, status)
	}

	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if payment.ChequeCents < 1 {
		return nil, fmt.Errorf("%w: payment has no cheque component", store.ErrValidation)
	}
	if payment.ChequeStatus != domain.ChequeStatusPending {
		return nil, fmt.Errorf("%w: cheque already %s", store.ErrValidation, payment.ChequeStatus)
	}

	payment.ChequeStatus = status
	s.payments[paymentID] = payment
	out := payment
	return &out, nil
}

// ---- returns ----

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[ret.SaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.IsReversed {
		return nil, store.ErrAlreadyReversed
	}

	soldQty := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		soldQty[item.ProductID] += item.Qty
	}
	returned := s.returnedQtyLocked(ret.SaleID)

	requested := make(map[string]int, len(ret.Items))
	replacement := make(map[string]int)
	for _, item := range ret.Items {
		requested[item.ProductID] += item.Qty
		if requested[item.ProductID]+returned[item.ProductID] > soldQty[item.ProductID] {
			return nil, fmt.Errorf("%w: product %s", store.ErrExcessReturn, item.ProductID)
		}
		if item.ReplacementProductID != "" {
			if _, ok := s.products[item.ReplacementProductID]; !ok {
				return nil, store.ErrNotFound
			}
			replacement[item.ReplacementProductID] += item.ReplacementQty
		}
	}
	for productID, qty := range replacement {
		if s.stock[productID] < qty {
			return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, productID)
		}
	}

	for productID, qty := range requested {
		s.stock[productID] += qty
	}
	for productID, qty := range replacement {
		s.stock[productID] -= qty
	}

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	ret.Items = append([]domain.ReturnItem(nil), ret.Items...)
	s.returns[ret.ID] = ret
	out := cloneReturn(ret)
	return &out, nil
}

func (s *Store) ListReturnsBySale(_ context.Context, saleID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Return, 0, 2)
	for _, ret := range s.returns {
		if ret.SaleID == saleID {
			out = append(out, cloneReturn(ret))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetReturnedQtyBySale(_ context.Context, saleID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnedQtyLocked(saleID), nil
}

func (s *Store) returnedQtyLocked(saleID string) map[string]int {
	out := make(map[string]int)
	for _, ret := range s.returns {
		if ret.SaleID != saleID {
			continue
		}
		for _, item := range ret.Items {
			out[item.ProductID] += item.Qty
		}
	}
	return out
}

// ---- reversal ----

func (s *Store) ReverseSale(_ context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.IsReversed {
		return nil, store.ErrAlreadyReversed
	}

	for id, payment := range s.payments {
		if payment.SaleID == saleID {
			delete(s.payments, id)
		}
	}

	// Restore every delivered unit; quantities already returned went back to
	// stock when the return was recorded, so restoring them again would
	// double-count.
	returned := s.returnedQtyLocked(saleID)
	for _, item := range sale.Items {
		restore := item.Qty + item.FreeQty - returned[item.ProductID]
		returned[item.ProductID] = 0
		if restore > 0 {
			s.stock[item.ProductID] += restore
		}
	}

	sale.IsReversed = true
	sale.ReversalReason = reason
	sale.ReversedAt = &at
	s.sales[saleID] = sale

	out := cloneSale(sale)
	return &out, nil
}

// remainingCentsLocked mirrors the service-level settlement derivation for
// the overpayment check: obligation net of returned value minus every
// non-bounced payment amount.
func (s *Store) remainingCentsLocked(sale *domain.Sale) int64 {
	unitPrice := make(map[string]int64, len(sale.Items))
	soldQty := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if item.UnitPriceCents > unitPrice[item.ProductID] {
			unitPrice[item.ProductID] = item.UnitPriceCents
		}
		soldQty[item.ProductID] += item.Qty
	}

	returnedCents := int64(0)
	for productID, qty := range s.returnedQtyLocked(sale.ID) {
		if qty > soldQty[productID] {
			qty = soldQty[productID]
		}
		returnedCents += int64(qty) * unitPrice[productID]
	}

	paid := int64(0)
	for _, payment := range s.paymentsBySaleLocked(sale.ID) {
		paid += payment.CashCents
		if payment.ChequeCents > 0 && payment.ChequeStatus != domain.ChequeStatusBounced {
			paid += payment.ChequeCents
		}
	}

	remaining := sale.TotalCents - returnedCents - paid
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ---- audit ----

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.audits) - 1; i >= 0; i-- {
		entry := s.audits[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ---- users ----

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return fmt.Errorf("%w: username taken", store.ErrValidation)
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	sale.Items = append([]domain.SaleItem(nil), sale.Items...)
	return sale
}

func cloneReturn(ret domain.Return) domain.Return {
	ret.Items = append([]domain.ReturnItem(nil), ret.Items...)
	return ret
}
