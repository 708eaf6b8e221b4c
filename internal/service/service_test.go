package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"milkledger/backend/internal/cache"
	"milkledger/backend/internal/domain"
	"milkledger/backend/internal/report"
	"milkledger/backend/internal/store"
	"milkledger/backend/internal/store/memory"
)

type pinStub struct {
	pin string
}

func (p pinStub) ValidateManagerPIN(pin string) bool {
	return p.pin != "" && pin == p.pin
}

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	projector := report.New(cache.NoopReportCache{}, 5*time.Second)
	return New(repo, projector, pinStub{pin: "739154"}), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func salesCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "sales", Role: "sales"})
}

func priceCents(v int64) *int64 {
	return &v
}

func createMilkSale(t *testing.T, svc *Service, qty int) domain.SaleDetail {
	t.Helper()
	detail, err := svc.CreateSale(salesCtx(), domain.SaleCreateRequest{
		BuyerID: "shop-seed-1",
		Items: []domain.SaleItemInput{
			{ProductID: "prod-milk-1l", Qty: qty, UnitPriceCents: priceCents(10000)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	return detail
}

func TestCreateSaleComputesTotalAndDecrementsStock(t *testing.T) {
	svc, repo := newTestService()

	before, err := repo.GetStock(context.Background(), "prod-milk-1l")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}

	detail, err := svc.CreateSale(salesCtx(), domain.SaleCreateRequest{
		BuyerID: "shop-seed-1",
		Items: []domain.SaleItemInput{
			{ProductID: "prod-milk-1l", Qty: 10, UnitPriceCents: priceCents(10000), FreeQty: 2},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if detail.Sale.TotalCents != 100000 {
		t.Fatalf("expected total 100000, got %d", detail.Sale.TotalCents)
	}
	if detail.Settlement.Status != domain.SettlementPending {
		t.Fatalf("expected pending status, got %s", detail.Settlement.Status)
	}
	if detail.Settlement.PendingCents != 100000 {
		t.Fatalf("expected pending 100000, got %d", detail.Settlement.PendingCents)
	}

	after, err := repo.GetStock(context.Background(), "prod-milk-1l")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if after != before-12 {
		t.Fatalf("expected stock to drop by 12 (qty+free), got %d -> %d", before, after)
	}
}

func TestCreateSaleRejectsUnknownBuyerAndEmptyItems(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateSale(salesCtx(), domain.SaleCreateRequest{
		BuyerID: "shop-missing",
		Items:   []domain.SaleItemInput{{ProductID: "prod-milk-1l", Qty: 1}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown buyer, got %v", err)
	}

	_, err = svc.CreateSale(salesCtx(), domain.SaleCreateRequest{BuyerID: "shop-seed-1"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty items, got %v", err)
	}
}

func TestCreateSaleHonorsExplicitZeroPrice(t *testing.T) {
	svc, _ := newTestService()

	detail, err := svc.CreateSale(salesCtx(), domain.SaleCreateRequest{
		BuyerID: "shop-seed-1",
		Items: []domain.SaleItemInput{
			{ProductID: "prod-milk-1l", Qty: 5, UnitPriceCents: priceCents(0)},
		},
	})
	if err != nil {
		t.Fatalf("zero-price sale failed: %v", err)
	}
	if detail.Sale.TotalCents != 0 {
		t.Fatalf("expected total 0 for zero-price line, got %d", detail.Sale.TotalCents)
	}
	if detail.Sale.Items[0].UnitPriceCents != 0 {
		t.Fatalf("expected stored unit price 0, got %d", detail.Sale.Items[0].UnitPriceCents)
	}
	if detail.Settlement.Status != domain.SettlementPaid {
		t.Fatalf("expected nothing left to collect, got %s", detail.Settlement.Status)
	}

	// Omitting the price entirely still charges the catalog price.
	detail, err = svc.CreateSale(salesCtx(), domain.SaleCreateRequest{
		BuyerID: "shop-seed-1",
		Items: []domain.SaleItemInput{
			{ProductID: "prod-milk-1l", Qty: 5},
		},
	})
	if err != nil {
		t.Fatalf("catalog-priced sale failed: %v", err)
	}
	if detail.Sale.TotalCents != 32500 {
		t.Fatalf("expected catalog total 32500, got %d", detail.Sale.TotalCents)
	}
}

func TestCreateSaleRejectsInsufficientStock(t *testing.T) {
	svc, repo := newTestService()

	before, _ := repo.GetStock(context.Background(), "prod-ghee-1l")

	_, err := svc.CreateSale(salesCtx(), domain.SaleCreateRequest{
		BuyerID: "shop-seed-1",
		Items: []domain.SaleItemInput{
			{ProductID: "prod-ghee-1l", Qty: 50, FreeQty: 20},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}

	after, _ := repo.GetStock(context.Background(), "prod-ghee-1l")
	if after != before {
		t.Fatalf("expected stock untouched after rejection, got %d -> %d", before, after)
	}
}

func TestPartialCashThenChequeSettlesSale(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	detail, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:    domain.PaymentMethodCash,
		CashCents: 60000,
	})
	if err != nil {
		t.Fatalf("cash payment failed: %v", err)
	}
	if detail.Settlement.Status != domain.SettlementPartial {
		t.Fatalf("expected partial status, got %s", detail.Settlement.Status)
	}
	if detail.Settlement.PendingCents != 40000 {
		t.Fatalf("expected pending 40000, got %d", detail.Settlement.PendingCents)
	}

	detail, err = svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:       domain.PaymentMethodCheque,
		ChequeCents:  40000,
		ChequeNumber: "CHQ-1001",
		ChequeBank:   "Peoples Bank",
		ChequeExpiry: "2026-10-31",
	})
	if err != nil {
		t.Fatalf("cheque payment failed: %v", err)
	}
	if detail.Settlement.Status != domain.SettlementPaid {
		t.Fatalf("expected paid status, got %s", detail.Settlement.Status)
	}
	if detail.Settlement.PendingCents != 0 {
		t.Fatalf("expected pending 0, got %d", detail.Settlement.PendingCents)
	}
	// A pending cheque counts toward totalPaid but stays visible as an open
	// cheque balance.
	if detail.Settlement.PendingChequeCents != 40000 {
		t.Fatalf("expected pending cheque 40000, got %d", detail.Settlement.PendingChequeCents)
	}
}

func TestOverpaymentIsRejectedWithoutPersisting(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	_, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:    domain.PaymentMethodCash,
		CashCents: 110000,
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected overpayment error, got %v", err)
	}

	detail, err := svc.GetSale(salesCtx(), sale.Sale.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if len(detail.Payments) != 0 {
		t.Fatalf("expected no payments persisted, got %d", len(detail.Payments))
	}
	if detail.Settlement.PendingCents != 100000 {
		t.Fatalf("expected pending unchanged at 100000, got %d", detail.Settlement.PendingCents)
	}
}

func TestConcurrentFullPaymentsOnlyOneSucceeds(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
				Method:    domain.PaymentMethodCash,
				CashCents: 100000,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrOverpayment):
		default:
			t.Fatalf("unexpected error from concurrent payment: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one full payment to land, got %d", succeeded)
	}

	detail, err := svc.GetSale(salesCtx(), sale.Sale.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if len(detail.Payments) != 1 {
		t.Fatalf("expected a single persisted payment, got %d", len(detail.Payments))
	}
	if detail.Settlement.TotalPaidCents > detail.Settlement.TotalCents {
		t.Fatalf("payments exceed the sale total: paid %d of %d", detail.Settlement.TotalPaidCents, detail.Settlement.TotalCents)
	}
	if detail.Settlement.Status != domain.SettlementPaid {
		t.Fatalf("expected paid status, got %s", detail.Settlement.Status)
	}
}

func TestSplitPaymentRequiresChequeDetails(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	_, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:      domain.PaymentMethodSplit,
		CashCents:   30000,
		ChequeCents: 40000,
	})
	if !errors.Is(err, store.ErrMissingChequeDetail) {
		t.Fatalf("expected missing cheque detail error, got %v", err)
	}

	detail, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:       domain.PaymentMethodSplit,
		CashCents:    30000,
		ChequeCents:  40000,
		ChequeNumber: "CHQ-2002",
		ChequeExpiry: "2026-11-15",
	})
	if err != nil {
		t.Fatalf("split payment failed: %v", err)
	}
	if detail.Settlement.TotalPaidCents != 70000 {
		t.Fatalf("expected total paid 70000, got %d", detail.Settlement.TotalPaidCents)
	}
	if detail.Settlement.Status != domain.SettlementPartial {
		t.Fatalf("expected partial status, got %s", detail.Settlement.Status)
	}
}

func TestOngoingWithZeroAmountPersistsNothing(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	detail, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method: domain.PaymentMethodOngoing,
	})
	if err != nil {
		t.Fatalf("ongoing proposal failed: %v", err)
	}
	if len(detail.Payments) != 0 {
		t.Fatalf("expected no payment rows, got %d", len(detail.Payments))
	}
	if detail.Settlement.Status != domain.SettlementPending {
		t.Fatalf("expected pending status, got %s", detail.Settlement.Status)
	}
}

func TestOngoingCollectionAndSettleRemaining(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	detail, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:    domain.PaymentMethodOngoing,
		CashCents: 25000,
	})
	if err != nil {
		t.Fatalf("ongoing payment failed: %v", err)
	}
	if detail.Settlement.Status != domain.SettlementOngoing {
		t.Fatalf("expected ongoing status, got %s", detail.Settlement.Status)
	}
	if detail.Settlement.PendingCents != 75000 {
		t.Fatalf("expected pending 75000, got %d", detail.Settlement.PendingCents)
	}

	detail, err = svc.SettleRemaining(salesCtx(), sale.Sale.ID, domain.SettleRemainingRequest{AmountCents: 75000})
	if err != nil {
		t.Fatalf("settle remaining failed: %v", err)
	}
	if detail.Settlement.Status != domain.SettlementPaid {
		t.Fatalf("expected paid status, got %s", detail.Settlement.Status)
	}

	_, err = svc.SettleRemaining(salesCtx(), sale.Sale.ID, domain.SettleRemainingRequest{AmountCents: 1})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected overpayment on settled sale, got %v", err)
	}
}

func TestBouncedChequeReopensPendingBalance(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	detail, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:       domain.PaymentMethodCheque,
		ChequeCents:  100000,
		ChequeNumber: "CHQ-3003",
		ChequeExpiry: "2026-09-30",
	})
	if err != nil {
		t.Fatalf("cheque payment failed: %v", err)
	}
	if detail.Settlement.Status != domain.SettlementPaid {
		t.Fatalf("expected paid status, got %s", detail.Settlement.Status)
	}

	paymentID := detail.Payments[0].ID
	if _, err := svc.MarkChequeBounced(adminCtx(), paymentID); err != nil {
		t.Fatalf("mark bounced failed: %v", err)
	}

	detail, err = svc.GetSale(adminCtx(), sale.Sale.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if detail.Settlement.TotalPaidCents != 0 {
		t.Fatalf("expected bounced cheque excluded from total paid, got %d", detail.Settlement.TotalPaidCents)
	}
	if detail.Settlement.PendingCents != 100000 {
		t.Fatalf("expected pending re-opened at 100000, got %d", detail.Settlement.PendingCents)
	}
	if detail.Settlement.PendingChequeCents != 0 {
		t.Fatalf("expected no open cheque balance after bounce, got %d", detail.Settlement.PendingChequeCents)
	}

	// A replacement cash payment can now cover the re-opened balance.
	detail, err = svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:    domain.PaymentMethodCash,
		CashCents: 100000,
	})
	if err != nil {
		t.Fatalf("replacement payment failed: %v", err)
	}
	if detail.Settlement.Status != domain.SettlementPaid {
		t.Fatalf("expected paid after replacement payment, got %s", detail.Settlement.Status)
	}
}

func TestChequeClearingIsAdminOnlyAndSingleTransition(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	detail, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:       domain.PaymentMethodCheque,
		ChequeCents:  100000,
		ChequeNumber: "CHQ-4004",
		ChequeExpiry: "2026-09-30",
	})
	if err != nil {
		t.Fatalf("cheque payment failed: %v", err)
	}
	paymentID := detail.Payments[0].ID

	if _, err := svc.MarkChequeCleared(salesCtx(), paymentID); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for sales role, got %v", err)
	}

	payment, err := svc.MarkChequeCleared(adminCtx(), paymentID)
	if err != nil {
		t.Fatalf("mark cleared failed: %v", err)
	}
	if payment.ChequeStatus != domain.ChequeStatusCleared {
		t.Fatalf("expected cleared status, got %s", payment.ChequeStatus)
	}

	if _, err := svc.MarkChequeBounced(adminCtx(), paymentID); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected second transition to fail, got %v", err)
	}
}

func TestReturnValidatesNetSoldQuantity(t *testing.T) {
	svc, repo := newTestService()
	sale := createMilkSale(t, svc, 10)

	stockBefore, _ := repo.GetStock(context.Background(), "prod-milk-1l")

	detail, err := svc.RegisterReturn(salesCtx(), sale.Sale.ID, domain.ReturnRequest{
		Reason: "spoiled on delivery",
		Items:  []domain.ReturnItem{{ProductID: "prod-milk-1l", Qty: 3}},
	})
	if err != nil {
		t.Fatalf("first return failed: %v", err)
	}
	if detail.Settlement.ReturnedCents != 30000 {
		t.Fatalf("expected returned value 30000, got %d", detail.Settlement.ReturnedCents)
	}
	if detail.Settlement.PendingCents != 70000 {
		t.Fatalf("expected pending reduced to 70000, got %d", detail.Settlement.PendingCents)
	}

	stockAfter, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	if stockAfter != stockBefore+3 {
		t.Fatalf("expected stock restored by 3, got %d -> %d", stockBefore, stockAfter)
	}

	_, err = svc.RegisterReturn(salesCtx(), sale.Sale.ID, domain.ReturnRequest{
		Items: []domain.ReturnItem{{ProductID: "prod-milk-1l", Qty: 8}},
	})
	if !errors.Is(err, store.ErrExcessReturn) {
		t.Fatalf("expected excess return error, got %v", err)
	}
}

func TestReturnWithReplacementAdjustsBothStocks(t *testing.T) {
	svc, repo := newTestService()
	sale := createMilkSale(t, svc, 10)

	milkBefore, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	curdBefore, _ := repo.GetStock(context.Background(), "prod-curd-500g")

	_, err := svc.RegisterReturn(salesCtx(), sale.Sale.ID, domain.ReturnRequest{
		Reason: "exchange for curd",
		Items: []domain.ReturnItem{
			{ProductID: "prod-milk-1l", Qty: 2, ReplacementProductID: "prod-curd-500g", ReplacementQty: 2},
		},
	})
	if err != nil {
		t.Fatalf("exchange return failed: %v", err)
	}

	milkAfter, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	curdAfter, _ := repo.GetStock(context.Background(), "prod-curd-500g")
	if milkAfter != milkBefore+2 {
		t.Fatalf("expected milk stock restored by 2, got %d -> %d", milkBefore, milkAfter)
	}
	if curdAfter != curdBefore-2 {
		t.Fatalf("expected curd stock consumed by 2, got %d -> %d", curdBefore, curdAfter)
	}
}

func TestExchangeRejectedWhenReplacementStockShort(t *testing.T) {
	svc, repo := newTestService()
	sale := createMilkSale(t, svc, 10)

	milkBefore, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	gheeBefore, _ := repo.GetStock(context.Background(), "prod-ghee-1l")

	_, err := svc.RegisterReturn(salesCtx(), sale.Sale.ID, domain.ReturnRequest{
		Reason: "exchange for ghee",
		Items: []domain.ReturnItem{
			{ProductID: "prod-milk-1l", Qty: 2, ReplacementProductID: "prod-ghee-1l", ReplacementQty: gheeBefore + 1},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient replacement stock error, got %v", err)
	}

	milkAfter, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	gheeAfter, _ := repo.GetStock(context.Background(), "prod-ghee-1l")
	if milkAfter != milkBefore || gheeAfter != gheeBefore {
		t.Fatalf("expected both stocks untouched, milk %d -> %d, ghee %d -> %d", milkBefore, milkAfter, gheeBefore, gheeAfter)
	}

	detail, err := svc.GetSale(salesCtx(), sale.Sale.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if len(detail.Returns) != 0 {
		t.Fatalf("expected no return persisted, got %d", len(detail.Returns))
	}
}

func TestReverseSaleRestoresStockAndDeletesPayments(t *testing.T) {
	svc, repo := newTestService()

	stockBefore, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	sale := createMilkSale(t, svc, 10)

	if _, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:    domain.PaymentMethodCash,
		CashCents: 60000,
	}); err != nil {
		t.Fatalf("cash payment failed: %v", err)
	}

	_, err := svc.ReverseSale(salesCtx(), sale.Sale.ID, domain.ReverseSaleRequest{
		ManagerPIN: "000000",
		Reason:     "wrong shop",
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong pin, got %v", err)
	}

	detail, err := svc.ReverseSale(salesCtx(), sale.Sale.ID, domain.ReverseSaleRequest{
		ManagerPIN: "739154",
		Reason:     "wrong shop",
	})
	if err != nil {
		t.Fatalf("reverse sale failed: %v", err)
	}
	if !detail.Sale.IsReversed {
		t.Fatalf("expected sale marked reversed")
	}
	if detail.Settlement.Status != domain.SettlementReversed {
		t.Fatalf("expected reversed status, got %s", detail.Settlement.Status)
	}
	if len(detail.Payments) != 0 {
		t.Fatalf("expected payments deleted, got %d", len(detail.Payments))
	}

	stockAfter, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	if stockAfter != stockBefore {
		t.Fatalf("expected stock fully restored, got %d -> %d", stockBefore, stockAfter)
	}

	_, err = svc.ReverseSale(salesCtx(), sale.Sale.ID, domain.ReverseSaleRequest{
		ManagerPIN: "739154",
		Reason:     "again",
	})
	if !errors.Is(err, store.ErrAlreadyReversed) {
		t.Fatalf("expected already reversed error, got %v", err)
	}

	_, err = svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:    domain.PaymentMethodCash,
		CashCents: 1000,
	})
	if !errors.Is(err, store.ErrAlreadyReversed) {
		t.Fatalf("expected payment on reversed sale to fail, got %v", err)
	}
}

func TestReverseSaleAfterReturnDoesNotDoubleRestore(t *testing.T) {
	svc, repo := newTestService()

	stockBefore, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	sale := createMilkSale(t, svc, 10)

	if _, err := svc.RegisterReturn(salesCtx(), sale.Sale.ID, domain.ReturnRequest{
		Items: []domain.ReturnItem{{ProductID: "prod-milk-1l", Qty: 4}},
	}); err != nil {
		t.Fatalf("return failed: %v", err)
	}

	if _, err := svc.ReverseSale(salesCtx(), sale.Sale.ID, domain.ReverseSaleRequest{
		ManagerPIN: "739154",
		Reason:     "duplicate entry",
	}); err != nil {
		t.Fatalf("reverse failed: %v", err)
	}

	stockAfter, _ := repo.GetStock(context.Background(), "prod-milk-1l")
	if stockAfter != stockBefore {
		t.Fatalf("expected stock back to %d, got %d", stockBefore, stockAfter)
	}
}

func TestBuyerDeleteRequiresForceWhenSalesExist(t *testing.T) {
	svc, _ := newTestService()
	createMilkSale(t, svc, 2)

	result, err := svc.DeleteBuyer(adminCtx(), "shop-seed-1", false)
	if err != nil {
		t.Fatalf("delete without force failed: %v", err)
	}
	if result.Deleted {
		t.Fatalf("expected delete to be blocked by linked sales")
	}
	if result.LinkedSales != 1 {
		t.Fatalf("expected 1 linked sale, got %d", result.LinkedSales)
	}

	result, err = svc.DeleteBuyer(adminCtx(), "shop-seed-1", true)
	if err != nil {
		t.Fatalf("force delete failed: %v", err)
	}
	if !result.Deleted || result.UnlinkedSales != 1 {
		t.Fatalf("expected forced delete to unlink 1 sale, got %+v", result)
	}

	// The sale survives the buyer delete, just without the link.
	sales, err := svc.ListSales(adminCtx(), "", 10)
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(sales) != 1 || sales[0].Sale.BuyerID != "" {
		t.Fatalf("expected surviving unlinked sale, got %+v", sales)
	}

	buyer, err := svc.GetBuyer(adminCtx(), "shop-seed-1")
	if err != nil {
		t.Fatalf("get buyer failed: %v", err)
	}
	if buyer.Active {
		t.Fatalf("expected buyer soft-deleted")
	}
}

func TestBuyerDeleteIsAdminOnly(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.DeleteBuyer(salesCtx(), "shop-seed-2", false); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for sales role, got %v", err)
	}
}

func TestShopSummariesAggregateDerivedState(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	if _, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:    domain.PaymentMethodCash,
		CashCents: 60000,
	}); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	summary, err := svc.ShopSummaries(adminCtx())
	if err != nil {
		t.Fatalf("shop summaries failed: %v", err)
	}

	var found *domain.ShopSummary
	for i := range summary.Shops {
		if summary.Shops[i].BuyerID == "shop-seed-1" {
			found = &summary.Shops[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected summary for shop-seed-1")
	}
	if found.Sales != 1 || found.TotalCents != 100000 || found.TotalPaidCents != 60000 || found.PendingCents != 40000 {
		t.Fatalf("unexpected summary %+v", *found)
	}
}

func TestProductTotalsExcludeReversedSales(t *testing.T) {
	svc, _ := newTestService()
	kept := createMilkSale(t, svc, 5)
	dropped := createMilkSale(t, svc, 7)

	if _, err := svc.ReverseSale(salesCtx(), dropped.Sale.ID, domain.ReverseSaleRequest{
		ManagerPIN: "739154",
		Reason:     "test entry",
	}); err != nil {
		t.Fatalf("reverse failed: %v", err)
	}
	if _, err := svc.RegisterReturn(salesCtx(), kept.Sale.ID, domain.ReturnRequest{
		Items: []domain.ReturnItem{{ProductID: "prod-milk-1l", Qty: 1}},
	}); err != nil {
		t.Fatalf("return failed: %v", err)
	}

	totals, err := svc.ProductTotals(adminCtx())
	if err != nil {
		t.Fatalf("product totals failed: %v", err)
	}

	var milk *domain.ProductTotal
	for i := range totals.Products {
		if totals.Products[i].ProductID == "prod-milk-1l" {
			milk = &totals.Products[i]
			break
		}
	}
	if milk == nil {
		t.Fatalf("expected milk in product totals")
	}
	if milk.UnitsSold != 5 {
		t.Fatalf("expected 5 units sold (reversed sale excluded), got %d", milk.UnitsSold)
	}
	if milk.UnitsReturned != 1 {
		t.Fatalf("expected 1 unit returned, got %d", milk.UnitsReturned)
	}
	if milk.RevenueCents != 50000 {
		t.Fatalf("expected revenue 50000, got %d", milk.RevenueCents)
	}
}

func TestAuditTrailRecordsLedgerActions(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 3)

	if _, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:    domain.PaymentMethodCash,
		CashCents: 10000,
	}); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "", 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}

	actions := make(map[string]bool, len(logs))
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	if !actions["sale_create"] || !actions["payment_propose"] {
		t.Fatalf("expected sale_create and payment_propose in audit trail, got %v", actions)
	}
}

func TestChequePaymentRejectsInvalidExpiry(t *testing.T) {
	svc, _ := newTestService()
	sale := createMilkSale(t, svc, 10)

	_, err := svc.ProposePayment(salesCtx(), sale.Sale.ID, domain.PaymentProposal{
		Method:       domain.PaymentMethodCheque,
		ChequeCents:  50000,
		ChequeNumber: "CHQ-5005",
		ChequeExpiry: "31-10-2026",
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for bad expiry format, got %v", err)
	}
}
