package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"milkledger/backend/internal/domain"
	"milkledger/backend/internal/report"
	"milkledger/backend/internal/store"
	"milkledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// PINVerifier authorizes sale reversal. Satisfied by httpapi.AuthManager.
type PINVerifier interface {
	ValidateManagerPIN(pin string) bool
}

type Service struct {
	repo      store.Repository
	projector *report.Projector
	pins      PINVerifier
}

func New(repo store.Repository, projector *report.Projector, pins PINVerifier) *Service {
	return &Service{
		repo:      repo,
		projector: projector,
		pins:      pins,
	}
}

// DeriveSettlement is the single authoritative derivation of a sale's
// settlement state. Consumers (reports, UI) must use its output and never
// recompute from raw payment sums.
//
// Rules: bounced cheque amounts are excluded from totalPaid; the pending
// balance is computed against the obligation net of returned value; a sale
// with zero payments is `pending` even if the caller intends to settle it
// over time (an ongoing proposal with zero cash persists nothing).
func DeriveSettlement(sale *domain.Sale, payments []domain.Payment, returnedQty map[string]int) domain.SettlementState {
	state := domain.SettlementState{
		SaleID:     sale.ID,
		TotalCents: sale.TotalCents,
	}

	unitPrice := make(map[string]int64, len(sale.Items))
	soldQty := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if item.UnitPriceCents > unitPrice[item.ProductID] {
			unitPrice[item.ProductID] = item.UnitPriceCents
		}
		soldQty[item.ProductID] += item.Qty
	}
	for productID, qty := range returnedQty {
		if qty > soldQty[productID] {
			qty = soldQty[productID]
		}
		state.ReturnedCents += int64(qty) * unitPrice[productID]
	}

	hasOngoing := false
	for _, p := range payments {
		state.TotalPaidCents += p.CashCents
		if p.ChequeCents > 0 && p.ChequeStatus != domain.ChequeStatusBounced {
			state.TotalPaidCents += p.ChequeCents
		}
		if p.ChequeCents > 0 && p.ChequeStatus == domain.ChequeStatusPending {
			state.PendingChequeCents += p.ChequeCents
		}
		if p.Method == domain.PaymentMethodOngoing {
			hasOngoing = true
		}
	}

	obligation := state.TotalCents - state.ReturnedCents
	if obligation < 0 {
		obligation = 0
	}
	state.PendingCents = obligation - state.TotalPaidCents
	if state.PendingCents < 0 {
		state.PendingCents = 0
	}
	state.PendingCashCents = state.PendingCents

	switch {
	case sale.IsReversed:
		state.Status = domain.SettlementReversed
	case state.PendingCents == 0:
		state.Status = domain.SettlementPaid
	case hasOngoing:
		state.Status = domain.SettlementOngoing
	case state.TotalPaidCents > 0:
		state.Status = domain.SettlementPartial
	default:
		state.Status = domain.SettlementPending
	}

	return state
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleDetail, error) {
	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if req.BuyerID == "" && req.CustomerName == "" {
		return domain.SaleDetail{}, fmt.Errorf("%w: buyer or customer name required", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.SaleDetail{}, fmt.Errorf("%w: at least one item required", store.ErrValidation)
	}

	if req.BuyerID != "" {
		if _, err := s.repo.GetBuyerByID(ctx, req.BuyerID); err != nil {
			return domain.SaleDetail{}, err
		}
	}

	saleDate := time.Now().UTC()
	if strings.TrimSpace(req.Date) != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			return domain.SaleDetail{}, fmt.Errorf("%w: invalid sale date", store.ErrValidation)
		}
		saleDate = parsed.UTC()
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	totalCents := int64(0)
	for _, input := range req.Items {
		input.ProductID = strings.TrimSpace(input.ProductID)
		if input.ProductID == "" || input.Qty < 1 {
			return domain.SaleDetail{}, fmt.Errorf("%w: item quantity must be positive", store.ErrValidation)
		}
		if input.FreeQty < 0 {
			return domain.SaleDetail{}, fmt.Errorf("%w: negative free quantity", store.ErrValidation)
		}

		product, err := s.repo.GetProductByID(ctx, input.ProductID)
		if err != nil {
			return domain.SaleDetail{}, err
		}
		// Nil price means "charge the catalog price". An explicit zero is a
		// genuine zero-price line and contributes nothing to the total.
		unitPrice := product.UnitPriceCents
		if input.UnitPriceCents != nil {
			if *input.UnitPriceCents < 0 {
				return domain.SaleDetail{}, fmt.Errorf("%w: negative unit price", store.ErrValidation)
			}
			unitPrice = *input.UnitPriceCents
		}

		// Pre-check so the caller gets a clear error before the store takes
		// locks; the store re-validates under its transaction.
		available, err := s.repo.GetStock(ctx, input.ProductID)
		if err != nil {
			return domain.SaleDetail{}, err
		}
		if input.FreeQty > available-input.Qty {
			return domain.SaleDetail{}, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, input.ProductID)
		}

		totalCents += int64(input.Qty) * unitPrice
		items = append(items, domain.SaleItem{
			ProductID:      input.ProductID,
			Qty:            input.Qty,
			UnitPriceCents: unitPrice,
			FreeQty:        input.FreeQty,
		})
	}

	actor, _ := ActorFromContext(ctx)
	sale := domain.Sale{
		ID:           xid.New("sale"),
		BuyerID:      req.BuyerID,
		CustomerName: req.CustomerName,
		Date:         saleDate,
		Items:        items,
		TotalCents:   totalCents,
		CreatedBy:    actor.Username,
		CreatedAt:    time.Now().UTC(),
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.SaleDetail{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("buyer=%s,total=%d,items=%d", created.BuyerID, created.TotalCents, len(created.Items)))

	return domain.SaleDetail{
		Sale:       *created,
		Payments:   []domain.Payment{},
		Returns:    []domain.Return{},
		Settlement: DeriveSettlement(created, nil, nil),
	}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleDetail, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleDetail{}, fmt.Errorf("%w: sale id required", store.ErrValidation)
	}
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	return s.saleDetail(ctx, sale)
}

func (s *Service) saleDetail(ctx context.Context, sale *domain.Sale) (domain.SaleDetail, error) {
	payments, err := s.repo.ListPaymentsBySale(ctx, sale.ID)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	returns, err := s.repo.ListReturnsBySale(ctx, sale.ID)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	returnedQty, err := s.repo.GetReturnedQtyBySale(ctx, sale.ID)
	if err != nil {
		return domain.SaleDetail{}, err
	}

	return domain.SaleDetail{
		Sale:       *sale,
		Payments:   payments,
		Returns:    returns,
		Settlement: DeriveSettlement(sale, payments, returnedQty),
	}, nil
}

func (s *Service) ListSales(ctx context.Context, buyerID string, limit int) ([]domain.SaleDetail, error) {
	if limit < 1 {
		limit = 100
	}
	sales, err := s.repo.ListSales(ctx, strings.TrimSpace(buyerID), limit)
	if err != nil {
		return nil, err
	}

	details := make([]domain.SaleDetail, 0, len(sales))
	for i := range sales {
		detail, err := s.saleDetail(ctx, &sales[i])
		if err != nil {
			return nil, err
		}
		details = append(details, detail)
	}
	return details, nil
}

// ProposePayment validates an instrument proposal against the remaining
// balance and persists it. The store re-derives the balance under the sale
// row lock, so concurrent proposals serialize and can never jointly overpay.
func (s *Service) ProposePayment(ctx context.Context, saleID string, req domain.PaymentProposal) (domain.SaleDetail, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleDetail{}, fmt.Errorf("%w: sale id required", store.ErrValidation)
	}

	method := strings.ToLower(strings.TrimSpace(req.Method))
	if req.CashCents < 0 || req.ChequeCents < 0 {
		return domain.SaleDetail{}, fmt.Errorf("%w: negative amount", store.ErrValidation)
	}

	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	if sale.IsReversed {
		return domain.SaleDetail{}, store.ErrAlreadyReversed
	}

	var chequeExpiry *time.Time
	chequeNumber := strings.TrimSpace(req.ChequeNumber)
	needsCheque := false

	switch method {
	case domain.PaymentMethodCash:
		if req.CashCents < 1 {
			return domain.SaleDetail{}, fmt.Errorf("%w: cash amount must be positive", store.ErrValidation)
		}
		req.ChequeCents = 0
	case domain.PaymentMethodCheque:
		if req.ChequeCents < 1 {
			return domain.SaleDetail{}, fmt.Errorf("%w: cheque amount must be positive", store.ErrValidation)
		}
		req.CashCents = 0
		needsCheque = true
	case domain.PaymentMethodSplit:
		if req.CashCents+req.ChequeCents < 1 {
			return domain.SaleDetail{}, fmt.Errorf("%w: split payment must carry an amount", store.ErrValidation)
		}
		needsCheque = req.ChequeCents > 0
	case domain.PaymentMethodOngoing:
		if req.ChequeCents > 0 {
			return domain.SaleDetail{}, fmt.Errorf("%w: cheque not permitted for ongoing collection", store.ErrValidation)
		}
		if req.CashCents == 0 {
			// Marking a sale ongoing with no money collected persists
			// nothing; the settlement state stays pending until a payment
			// with an amount arrives.
			return s.saleDetail(ctx, sale)
		}
	default:
		return domain.SaleDetail{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.Method)
	}

	if needsCheque {
		if chequeNumber == "" || strings.TrimSpace(req.ChequeExpiry) == "" {
			return domain.SaleDetail{}, store.ErrMissingChequeDetail
		}
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(req.ChequeExpiry))
		if err != nil {
			return domain.SaleDetail{}, fmt.Errorf("%w: invalid cheque expiry date", store.ErrValidation)
		}
		expiry := parsed.UTC()
		chequeExpiry = &expiry
	}

	payment := domain.Payment{
		ID:          xid.New("pay"),
		SaleID:      saleID,
		Method:      method,
		AmountCents: req.CashCents + req.ChequeCents,
		CashCents:   req.CashCents,
		ChequeCents: req.ChequeCents,
		CreatedAt:   time.Now().UTC(),
	}
	if req.ChequeCents > 0 {
		payment.ChequeNumber = chequeNumber
		payment.ChequeBank = strings.TrimSpace(req.ChequeBank)
		payment.ChequeExpiry = chequeExpiry
		payment.ChequeStatus = domain.ChequeStatusPending
	}

	created, err := s.repo.AppendPayment(ctx, payment)
	if err != nil {
		return domain.SaleDetail{}, err
	}

	s.logAudit(ctx, "payment_propose", "payment", created.ID, fmt.Sprintf("sale=%s,method=%s,amount=%d", saleID, method, created.AmountCents))

	return s.GetSale(ctx, saleID)
}

// SettleRemaining records a follow-up cash collection against a sale that is
// being settled over time. Always persisted with method `ongoing`.
func (s *Service) SettleRemaining(ctx context.Context, saleID string, req domain.SettleRemainingRequest) (domain.SaleDetail, error) {
	if req.AmountCents < 1 {
		return domain.SaleDetail{}, fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}
	return s.ProposePayment(ctx, saleID, domain.PaymentProposal{
		Method:    domain.PaymentMethodOngoing,
		CashCents: req.AmountCents,
	})
}

// ReverseSale is the terminal undo: it deletes every payment, restores
// inventory for paid and free units alike, and marks the sale reversed in a
// single store transaction.
func (s *Service) ReverseSale(ctx context.Context, saleID string, req domain.ReverseSaleRequest) (domain.SaleDetail, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleDetail{}, fmt.Errorf("%w: sale id required", store.ErrValidation)
	}
	if s.pins == nil || !s.pins.ValidateManagerPIN(req.ManagerPIN) {
		return domain.SaleDetail{}, store.ErrUnauthorized
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "unspecified"
	}

	reversed, err := s.repo.ReverseSale(ctx, saleID, reason, time.Now().UTC())
	if err != nil {
		return domain.SaleDetail{}, err
	}

	s.logAudit(ctx, "sale_reverse", "sale", reversed.ID, reason)

	return s.saleDetail(ctx, reversed)
}

// RegisterReturn validates quantities against the net sold quantity and
// records the return. Inventory restoration (and replacement consumption for
// exchanges) happens inside the store transaction. Returns never touch
// payments; any cash adjustment is an explicit payment-side operation.
func (s *Service) RegisterReturn(ctx context.Context, saleID string, req domain.ReturnRequest) (domain.SaleDetail, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" || len(req.Items) == 0 {
		return domain.SaleDetail{}, fmt.Errorf("%w: sale id and return items required", store.ErrValidation)
	}

	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	if sale.IsReversed {
		return domain.SaleDetail{}, store.ErrAlreadyReversed
	}

	soldQty := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		soldQty[item.ProductID] += item.Qty
	}
	alreadyReturned, err := s.repo.GetReturnedQtyBySale(ctx, saleID)
	if err != nil {
		return domain.SaleDetail{}, err
	}

	requested := make(map[string]int, len(req.Items))
	items := make([]domain.ReturnItem, 0, len(req.Items))
	for _, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.ReplacementProductID = strings.TrimSpace(item.ReplacementProductID)
		if item.ProductID == "" || item.Qty < 1 {
			return domain.SaleDetail{}, fmt.Errorf("%w: return quantity must be positive", store.ErrValidation)
		}
		if item.ReplacementProductID != "" && item.ReplacementQty < 1 {
			return domain.SaleDetail{}, fmt.Errorf("%w: replacement quantity must be positive", store.ErrValidation)
		}
		if item.ReplacementProductID == "" && item.ReplacementQty > 0 {
			return domain.SaleDetail{}, fmt.Errorf("%w: replacement product required", store.ErrValidation)
		}

		requested[item.ProductID] += item.Qty
		if requested[item.ProductID]+alreadyReturned[item.ProductID] > soldQty[item.ProductID] {
			return domain.SaleDetail{}, fmt.Errorf("%w: product %s", store.ErrExcessReturn, item.ProductID)
		}
		items = append(items, item)
	}

	ret := domain.Return{
		ID:        xid.New("ret"),
		SaleID:    saleID,
		Date:      time.Now().UTC(),
		Reason:    strings.TrimSpace(req.Reason),
		Items:     items,
		CreatedAt: time.Now().UTC(),
	}

	created, err := s.repo.CreateReturn(ctx, ret)
	if err != nil {
		return domain.SaleDetail{}, err
	}

	s.logAudit(ctx, "return_register", "return", created.ID, fmt.Sprintf("sale=%s,items=%d", saleID, len(created.Items)))

	return s.GetSale(ctx, saleID)
}

// MarkChequeCleared transitions a pending cheque component to cleared.
func (s *Service) MarkChequeCleared(ctx context.Context, paymentID string) (domain.Payment, error) {
	return s.setChequeStatus(ctx, paymentID, domain.ChequeStatusCleared)
}

// MarkChequeBounced transitions a pending cheque component to bounced. The
// bounced amount drops out of totalPaid, re-opening the pending balance.
func (s *Service) MarkChequeBounced(ctx context.Context, paymentID string) (domain.Payment, error) {
	return s.setChequeStatus(ctx, paymentID, domain.ChequeStatusBounced)
}

func (s *Service) setChequeStatus(ctx context.Context, paymentID string, status string) (domain.Payment, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Payment{}, fmt.Errorf("%w: admin role required", store.ErrUnauthorized)
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, fmt.Errorf("%w: payment id required", store.ErrValidation)
	}

	updated, err := s.repo.UpdateChequeStatus(ctx, paymentID, status)
	if err != nil {
		return domain.Payment{}, err
	}

	s.logAudit(ctx, "cheque_"+status, "payment", paymentID, fmt.Sprintf("sale=%s,cheque=%d", updated.SaleID, updated.ChequeCents))
	return *updated, nil
}

func (s *Service) CreateBuyer(ctx context.Context, req domain.BuyerCreateRequest) (domain.Buyer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Contact = strings.TrimSpace(req.Contact)
	req.Address = strings.TrimSpace(req.Address)
	if req.Name == "" {
		return domain.Buyer{}, fmt.Errorf("%w: buyer name required", store.ErrValidation)
	}

	buyer := domain.Buyer{
		ID:        xid.New("shop"),
		Name:      req.Name,
		Contact:   req.Contact,
		Address:   req.Address,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	created, err := s.repo.CreateBuyer(ctx, buyer)
	if err != nil {
		return domain.Buyer{}, err
	}

	s.logAudit(ctx, "buyer_create", "buyer", created.ID, created.Name)
	return *created, nil
}

func (s *Service) UpdateBuyer(ctx context.Context, buyerID string, req domain.BuyerUpdateRequest) (domain.Buyer, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.Buyer{}, fmt.Errorf("%w: buyer id required", store.ErrValidation)
	}

	existing, err := s.repo.GetBuyerByID(ctx, buyerID)
	if err != nil {
		return domain.Buyer{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Buyer{}, fmt.Errorf("%w: buyer name required", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Contact != nil {
		updated.Contact = strings.TrimSpace(*req.Contact)
	}
	if req.Address != nil {
		updated.Address = strings.TrimSpace(*req.Address)
	}
	if req.Latitude != nil {
		updated.Latitude = req.Latitude
	}
	if req.Longitude != nil {
		updated.Longitude = req.Longitude
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateBuyer(ctx, updated)
	if err != nil {
		return domain.Buyer{}, err
	}

	s.logAudit(ctx, "buyer_update", "buyer", saved.ID, fmt.Sprintf("active=%t", saved.Active))
	return *saved, nil
}

func (s *Service) ListBuyers(ctx context.Context, includeInactive bool) ([]domain.Buyer, error) {
	return s.repo.ListBuyers(ctx, includeInactive)
}

func (s *Service) GetBuyer(ctx context.Context, buyerID string) (domain.Buyer, error) {
	buyer, err := s.repo.GetBuyerByID(ctx, strings.TrimSpace(buyerID))
	if err != nil {
		return domain.Buyer{}, err
	}
	return *buyer, nil
}

// DeleteBuyer soft-deletes a shop. When sales reference the buyer the delete
// must be force-confirmed; the sales are then unlinked, never cascaded.
func (s *Service) DeleteBuyer(ctx context.Context, buyerID string, force bool) (domain.BuyerDeleteResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.BuyerDeleteResult{}, fmt.Errorf("%w: admin role required", store.ErrUnauthorized)
	}
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.BuyerDeleteResult{}, fmt.Errorf("%w: buyer id required", store.ErrValidation)
	}

	result, err := s.repo.DeleteBuyer(ctx, buyerID, force)
	if err != nil {
		return domain.BuyerDeleteResult{}, err
	}

	if result.Deleted {
		s.logAudit(ctx, "buyer_delete", "buyer", buyerID, fmt.Sprintf("force=%t,unlinked=%d", force, result.UnlinkedSales))
	}
	return *result, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// ShopSummaries aggregates engine-derived settlement state per buyer. Served
// through the projector's TTL cache.
func (s *Service) ShopSummaries(ctx context.Context) (domain.ShopSummaryReport, error) {
	return s.projector.ShopSummaries(ctx, func(ctx context.Context) ([]domain.ShopSummary, error) {
		buyers, err := s.repo.ListBuyers(ctx, true)
		if err != nil {
			return nil, err
		}

		summaries := make([]domain.ShopSummary, 0, len(buyers))
		for _, buyer := range buyers {
			sales, err := s.repo.ListSales(ctx, buyer.ID, 0)
			if err != nil {
				return nil, err
			}

			summary := domain.ShopSummary{BuyerID: buyer.ID, BuyerName: buyer.Name}
			for i := range sales {
				if sales[i].IsReversed {
					continue
				}
				detail, err := s.saleDetail(ctx, &sales[i])
				if err != nil {
					return nil, err
				}
				summary.Sales++
				summary.TotalCents += detail.Settlement.TotalCents
				summary.TotalPaidCents += detail.Settlement.TotalPaidCents
				summary.PendingCents += detail.Settlement.PendingCents
				summary.PendingChequeCents += detail.Settlement.PendingChequeCents
			}
			summaries = append(summaries, summary)
		}
		return summaries, nil
	})
}

// ProductTotals aggregates sold/free/returned units per product over
// non-reversed sales.
func (s *Service) ProductTotals(ctx context.Context) (domain.ProductTotalReport, error) {
	return s.projector.ProductTotals(ctx, func(ctx context.Context) ([]domain.ProductTotal, error) {
		products, err := s.repo.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		sales, err := s.repo.ListSales(ctx, "", 0)
		if err != nil {
			return nil, err
		}

		totals := make(map[string]*domain.ProductTotal, len(products))
		order := make([]string, 0, len(products))
		for _, product := range products {
			totals[product.ID] = &domain.ProductTotal{ProductID: product.ID, ProductName: product.Name}
			order = append(order, product.ID)
		}

		for i := range sales {
			if sales[i].IsReversed {
				continue
			}
			for _, item := range sales[i].Items {
				total, ok := totals[item.ProductID]
				if !ok {
					continue
				}
				total.UnitsSold += item.Qty
				total.FreeUnits += item.FreeQty
				total.RevenueCents += int64(item.Qty) * item.UnitPriceCents
			}
			returnedQty, err := s.repo.GetReturnedQtyBySale(ctx, sales[i].ID)
			if err != nil {
				return nil, err
			}
			for productID, qty := range returnedQty {
				if total, ok := totals[productID]; ok {
					total.UnitsReturned += qty
				}
			}
		}

		result := make([]domain.ProductTotal, 0, len(order))
		for _, productID := range order {
			result = append(result, *totals[productID])
		}
		return result, nil
	})
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid date", store.ErrValidation)
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// IsNoRows reports whether err is the store's not-found sentinel. Small
// convenience for HTTP handlers.
func IsNoRows(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
