// Package postgres implements store.Repository on PostgreSQL. Every
// balance-sensitive write (AppendPayment, CreateReturn, ReverseSale) locks
// the sale row with SELECT ... FOR UPDATE inside a serializable transaction,
// so concurrent proposals against the same sale serialize at the database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"milkledger/backend/internal/domain"
	"milkledger/backend/internal/store"
	"milkledger/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- buyers ----

func (s *Store) CreateBuyer(ctx context.Context, buyer domain.Buyer) (*domain.Buyer, error) {
	if buyer.ID == "" {
		buyer.ID = xid.New("shop")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buyers (id, name, contact, address, latitude, longitude, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, buyer.ID, buyer.Name, nullIfEmpty(buyer.Contact), nullIfEmpty(buyer.Address),
		buyer.Latitude, buyer.Longitude, buyer.Active, buyer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: buyer name already exists", store.ErrValidation)
		}
		return nil, err
	}
	created := buyer
	return &created, nil
}

func (s *Store) GetBuyerByID(ctx context.Context, buyerID string) (*domain.Buyer, error) {
	return scanBuyer(s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(contact,''), COALESCE(address,''), latitude, longitude, active, created_at
		FROM buyers
		WHERE id = $1
	`, buyerID))
}

func (s *Store) ListBuyers(ctx context.Context, includeInactive bool) ([]domain.Buyer, error) {
	query := `
		SELECT id, name, COALESCE(contact,''), COALESCE(address,''), latitude, longitude, active, created_at
		FROM buyers
	`
	if !includeInactive {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buyers := make([]domain.Buyer, 0, 64)
	for rows.Next() {
		var b domain.Buyer
		if err := rows.Scan(&b.ID, &b.Name, &b.Contact, &b.Address, &b.Latitude, &b.Longitude, &b.Active, &b.CreatedAt); err != nil {
			return nil, err
		}
		buyers = append(buyers, b)
	}
	return buyers, rows.Err()
}

func (s *Store) UpdateBuyer(ctx context.Context, buyer domain.Buyer) (*domain.Buyer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE buyers
		SET name = $2, contact = $3, address = $4, latitude = $5, longitude = $6, active = $7
		WHERE id = $1
	`, buyer.ID, buyer.Name, nullIfEmpty(buyer.Contact), nullIfEmpty(buyer.Address),
		buyer.Latitude, buyer.Longitude, buyer.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: buyer name already exists", store.ErrValidation)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := buyer
	return &updated, nil
}

func (s *Store) DeleteBuyer(ctx context.Context, buyerID string, force bool) (*domain.BuyerDeleteResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT true FROM buyers WHERE id = $1 FOR UPDATE`, buyerID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var linked int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales WHERE buyer_id = $1`, buyerID).Scan(&linked); err != nil {
		return nil, err
	}

	result := &domain.BuyerDeleteResult{BuyerID: buyerID, LinkedSales: linked}
	if linked > 0 && !force {
		return result, tx.Commit()
	}

	if linked > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE sales SET buyer_id = NULL WHERE buyer_id = $1`, buyerID); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE buyers SET active = false WHERE id = $1`, buyerID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	result.Deleted = true
	result.UnlinkedSales = linked
	return result, nil
}

// ---- products / stock ----

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit_price_cents, active
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.UnitPriceCents, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProductByID(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit_price_cents, active
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.UnitPriceCents, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetStock(ctx context.Context, productID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT qty FROM product_stock WHERE product_id = $1
	`, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, delta int) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := adjustStockTx(ctx, tx, productID, delta); err != nil {
		return err
	}
	return tx.Commit()
}

func adjustStockTx(ctx context.Context, tx *sql.Tx, productID string, delta int) error {
	var qty int
	err := tx.QueryRowContext(ctx, `
		SELECT qty FROM product_stock WHERE product_id = $1 FOR UPDATE
	`, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if qty+delta < 0 {
		return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, productID)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE product_stock SET qty = qty + $2, updated_at = now() WHERE product_id = $1
	`, productID, delta)
	return err
}

// ---- sales ----

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, buyer_id, customer_name, sale_date, total_cents, is_edited, is_reversed, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,false,false,$6,$7)
	`, sale.ID, nullIfEmpty(sale.BuyerID), nullIfEmpty(sale.CustomerName),
		sale.Date, sale.TotalCents, nullIfEmpty(sale.CreatedBy), sale.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	for i, item := range sale.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, product_id, qty, unit_price_cents, free_qty)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, i+1, item.ProductID, item.Qty, item.UnitPriceCents, item.FreeQty)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if err := adjustStockTx(ctx, tx, item.ProductID, -(item.Qty + item.FreeQty)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(buyer_id,''), COALESCE(customer_name,''), sale_date, total_cents,
		       is_edited, is_reversed, COALESCE(reversal_reason,''), reversed_at,
		       COALESCE(created_by,''), created_at
		FROM sales
		WHERE id = $1
	`, saleID))
	if err != nil {
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, buyerID string, limit int) ([]domain.Sale, error) {
	query := `
		SELECT id, COALESCE(buyer_id,''), COALESCE(customer_name,''), sale_date, total_cents,
		       is_edited, is_reversed, COALESCE(reversal_reason,''), reversed_at,
		       COALESCE(created_by,''), created_at
		FROM sales
	`
	args := make([]any, 0, 2)
	if buyerID != "" {
		args = append(args, buyerID)
		query += ` WHERE buyer_id = $1`
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		sale, err := scanSaleRows(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleItem, error) {
	out := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(saleIDs))
	args := make([]any, len(saleIDs))
	for i, id := range saleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT sale_id, product_id, qty, unit_price_cents, free_qty
		FROM sale_items
		WHERE sale_id IN (%s)
		ORDER BY sale_id, line_no
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var item domain.SaleItem
		if err := rows.Scan(&saleID, &item.ProductID, &item.Qty, &item.UnitPriceCents, &item.FreeQty); err != nil {
			return nil, err
		}
		out[saleID] = append(out[saleID], item)
	}
	return out, rows.Err()
}

// ---- payments ----

func (s *Store) AppendPayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	remaining, err := remainingCentsTx(ctx, tx, payment.SaleID)
	if err != nil {
		return nil, err
	}
	if payment.AmountCents > remaining {
		return nil, fmt.Errorf("%w: remaining %d, proposed %d", store.ErrOverpayment, remaining, payment.AmountCents)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, sale_id, method, amount_cents, cash_cents, cheque_cents,
		                      cheque_number, cheque_bank, cheque_expiry, cheque_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, payment.ID, payment.SaleID, payment.Method, payment.AmountCents, payment.CashCents,
		payment.ChequeCents, nullIfEmpty(payment.ChequeNumber), nullIfEmpty(payment.ChequeBank),
		payment.ChequeExpiry, nullIfEmpty(payment.ChequeStatus), payment.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := payment
	return &created, nil
}

// remainingCentsTx locks the sale row and derives the outstanding balance:
// total minus returned value minus every non-bounced payment amount. Unit
// price per product is the highest price among that sale's lines, the same
// rule the settlement derivation uses.
func remainingCentsTx(ctx context.Context, tx *sql.Tx, saleID string) (int64, error) {
	var totalCents int64
	var isReversed bool
	err := tx.QueryRowContext(ctx, `
		SELECT total_cents, is_reversed FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&totalCents, &isReversed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	if isReversed {
		return 0, store.ErrAlreadyReversed
	}

	var paid int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cash_cents + CASE WHEN cheque_status = 'bounced' THEN 0 ELSE cheque_cents END), 0)
		FROM payments
		WHERE sale_id = $1
	`, saleID).Scan(&paid)
	if err != nil {
		return 0, err
	}

	var returnedCents int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.qty * p.unit_price_cents), 0)
		FROM (
			SELECT ri.product_id, LEAST(SUM(ri.qty), sold.qty) AS qty
			FROM return_items ri
			JOIN returns ret ON ret.id = ri.return_id
			JOIN (
				SELECT product_id, SUM(qty) AS qty
				FROM sale_items
				WHERE sale_id = $1
				GROUP BY product_id
			) sold ON sold.product_id = ri.product_id
			WHERE ret.sale_id = $1
			GROUP BY ri.product_id, sold.qty
		) r
		JOIN (
			SELECT product_id, MAX(unit_price_cents) AS unit_price_cents
			FROM sale_items
			WHERE sale_id = $1
			GROUP BY product_id
		) p ON p.product_id = r.product_id
	`, saleID).Scan(&returnedCents)
	if err != nil {
		return 0, err
	}

	remaining := totalCents - returnedCents - paid
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *Store) ListPaymentsBySale(ctx context.Context, saleID string) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, method, amount_cents, cash_cents, cheque_cents,
		       COALESCE(cheque_number,''), COALESCE(cheque_bank,''), cheque_expiry,
		       COALESCE(cheque_status,''), created_at
		FROM payments
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 4)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.SaleID, &p.Method, &p.AmountCents, &p.CashCents, &p.ChequeCents,
			&p.ChequeNumber, &p.ChequeBank, &p.ChequeExpiry, &p.ChequeStatus, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) GetPaymentByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	var p domain.Payment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, method, amount_cents, cash_cents, cheque_cents,
		       COALESCE(cheque_number,''), COALESCE(cheque_bank,''), cheque_expiry,
		       COALESCE(cheque_status,''), created_at
		FROM payments
		WHERE id = $1
	`, paymentID).Scan(&p.ID, &p.SaleID, &p.Method, &p.AmountCents, &p.CashCents, &p.ChequeCents,
		&p.ChequeNumber, &p.ChequeBank, &p.ChequeExpiry, &p.ChequeStatus, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdateChequeStatus(ctx context.Context, paymentID string, status string) (*domain.Payment, error) {
	if status != domain.ChequeStatusCleared && status != domain.ChequeStatusBounced {
		return nil, fmt.Errorf("%w: invalid cheque status %q", store.ErrValidation, status)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var chequeCents int64
	var current sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT cheque_cents, cheque_status FROM payments WHERE id = $1 FOR UPDATE
	`, paymentID).Scan(&chequeCents, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if chequeCents < 1 {
		return nil, fmt.Errorf("%w: payment has no cheque component", store.ErrValidation)
	}
	if current.String != domain.ChequeStatusPending {
		return nil, fmt.Errorf("%w: cheque already %s", store.ErrValidation, current.String)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET cheque_status = $2 WHERE id = $1
	`, paymentID, status); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetPaymentByID(ctx, paymentID)
}

// ---- returns ----

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var isReversed bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_reversed FROM sales WHERE id = $1 FOR UPDATE
	`, ret.SaleID).Scan(&isReversed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if isReversed {
		return nil, store.ErrAlreadyReversed
	}

	soldQty, err := soldQtyTx(ctx, tx, ret.SaleID)
	if err != nil {
		return nil, err
	}
	returned, err := returnedQtyTx(ctx, tx, ret.SaleID)
	if err != nil {
		return nil, err
	}

	requested := make(map[string]int, len(ret.Items))
	for _, item := range ret.Items {
		requested[item.ProductID] += item.Qty
		if requested[item.ProductID]+returned[item.ProductID] > soldQty[item.ProductID] {
			return nil, fmt.Errorf("%w: product %s", store.ErrExcessReturn, item.ProductID)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO returns (id, sale_id, return_date, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, ret.ID, ret.SaleID, ret.Date, nullIfEmpty(ret.Reason), ret.CreatedAt)
	if err != nil {
		return nil, err
	}

	for i, item := range ret.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO return_items (return_id, line_no, product_id, qty, replacement_product_id, replacement_qty)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, ret.ID, i+1, item.ProductID, item.Qty, nullIfEmpty(item.ReplacementProductID), item.ReplacementQty)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if err := adjustStockTx(ctx, tx, item.ProductID, item.Qty); err != nil {
			return nil, err
		}
		if item.ReplacementProductID != "" {
			if err := adjustStockTx(ctx, tx, item.ReplacementProductID, -item.ReplacementQty); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := ret
	return &created, nil
}

func soldQtyTx(ctx context.Context, tx *sql.Tx, saleID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, SUM(qty) FROM sale_items WHERE sale_id = $1 GROUP BY product_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		out[productID] = qty
	}
	return out, rows.Err()
}

func returnedQtyTx(ctx context.Context, tx *sql.Tx, saleID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT ri.product_id, SUM(ri.qty)
		FROM return_items ri
		JOIN returns r ON r.id = ri.return_id
		WHERE r.sale_id = $1
		GROUP BY ri.product_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		out[productID] = qty
	}
	return out, rows.Err()
}

func (s *Store) ListReturnsBySale(ctx context.Context, saleID string) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, return_date, COALESCE(reason,''), created_at
		FROM returns
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 2)
	for rows.Next() {
		var r domain.Return
		if err := rows.Scan(&r.ID, &r.SaleID, &r.Date, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		returns = append(returns, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range returns {
		itemRows, err := s.db.QueryContext(ctx, `
			SELECT product_id, qty, COALESCE(replacement_product_id,''), replacement_qty
			FROM return_items
			WHERE return_id = $1
			ORDER BY line_no
		`, returns[i].ID)
		if err != nil {
			return nil, err
		}
		for itemRows.Next() {
			var item domain.ReturnItem
			if err := itemRows.Scan(&item.ProductID, &item.Qty, &item.ReplacementProductID, &item.ReplacementQty); err != nil {
				itemRows.Close()
				return nil, err
			}
			returns[i].Items = append(returns[i].Items, item)
		}
		if err := itemRows.Err(); err != nil {
			itemRows.Close()
			return nil, err
		}
		itemRows.Close()
	}
	return returns, nil
}

func (s *Store) GetReturnedQtyBySale(ctx context.Context, saleID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ri.product_id, SUM(ri.qty)
		FROM return_items ri
		JOIN returns r ON r.id = ri.return_id
		WHERE r.sale_id = $1
		GROUP BY ri.product_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		out[productID] = qty
	}
	return out, rows.Err()
}

// ---- reversal ----

func (s *Store) ReverseSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var isReversed bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_reversed FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&isReversed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if isReversed {
		return nil, store.ErrAlreadyReversed
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE sale_id = $1`, saleID); err != nil {
		return nil, err
	}

	// Units already returned went back to stock when the return was recorded.
	returned, err := returnedQtyTx(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	itemRows, err := tx.QueryContext(ctx, `
		SELECT product_id, SUM(qty + free_qty) FROM sale_items WHERE sale_id = $1 GROUP BY product_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	delivered := make(map[string]int)
	for itemRows.Next() {
		var productID string
		var qty int
		if err := itemRows.Scan(&productID, &qty); err != nil {
			itemRows.Close()
			return nil, err
		}
		delivered[productID] = qty
	}
	if err := itemRows.Err(); err != nil {
		itemRows.Close()
		return nil, err
	}
	itemRows.Close()

	for productID, qty := range delivered {
		restore := qty - returned[productID]
		if restore > 0 {
			if err := adjustStockTx(ctx, tx, productID, restore); err != nil {
				return nil, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET is_reversed = true, reversal_reason = $2, reversed_at = $3 WHERE id = $1
	`, saleID, reason, at); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSaleByID(ctx, saleID)
}

// ---- audit ----

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, COALESCE(detail,''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: username taken", store.ErrValidation)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM app_users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuyer(row rowScanner) (*domain.Buyer, error) {
	var b domain.Buyer
	err := row.Scan(&b.ID, &b.Name, &b.Contact, &b.Address, &b.Latitude, &b.Longitude, &b.Active, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.BuyerID, &sale.CustomerName, &sale.Date, &sale.TotalCents,
		&sale.IsEdited, &sale.IsReversed, &sale.ReversalReason, &sale.ReversedAt,
		&sale.CreatedBy, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func scanSaleRows(rows *sql.Rows) (*domain.Sale, error) {
	return scanSale(rows)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
