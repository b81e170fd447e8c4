package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/store"
	"cajaflow/backend/internal/xid"
)

const saleColumns = `
	id, code, idempotency_key, client_id, warehouse_id, session_id, quote_id,
	document_type, subtotal, tax_rate, tax, total, status, payments,
	received_amount, change_amount, payment_reference, paid_at, cancel_reason,
	cancelled_at, note, created_by, created_at`

func scanSale(row rowScanner) (*domain.Sale, error) {
	var (
		sale        domain.Sale
		idem        sql.NullString
		sessionID   sql.NullString
		quoteID     sql.NullString
		paymentsRaw []byte
		received    decimal.NullDecimal
		change      decimal.NullDecimal
		paidAt      sql.NullTime
		cancelledAt sql.NullTime
	)
	err := row.Scan(
		&sale.ID, &sale.Code, &idem, &sale.ClientID, &sale.WarehouseID, &sessionID, &quoteID,
		&sale.DocumentType, &sale.Subtotal, &sale.TaxRate, &sale.Tax, &sale.Total, &sale.Status,
		&paymentsRaw, &received, &change, &sale.PaymentReference, &paidAt, &sale.CancelReason,
		&cancelledAt, &sale.Note, &sale.CreatedBy, &sale.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sale.IdempotencyKey = idem.String
	sale.SessionID = sessionID.String
	sale.QuoteID = quoteID.String
	sale.ReceivedAmount = decimalPtr(received)
	sale.ChangeAmount = decimalPtr(change)
	sale.PaidAt = timePtr(paidAt)
	sale.CancelledAt = timePtr(cancelledAt)
	sale.Payments = []domain.Payment{}
	if len(paymentsRaw) > 0 {
		if err := json.Unmarshal(paymentsRaw, &sale.Payments); err != nil {
			return nil, fmt.Errorf("decode payments of sale %s: %w", sale.ID, err)
		}
	}
	return &sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	out, err := s.createSaleTx(ctx, sale)
	return out, txError(err)
}

func (s *Store) createSaleTx(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertSale(ctx, tx, &sale); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.findSale(ctx, s.db, "id", saleID)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.findSale(ctx, s.db, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, q querier, column string, value string) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, value)
		}
		return nil, err
	}
	items, err := loadSaleItems(ctx, q, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	where := []string{"1 = 1"}
	args := make([]any, 0, 5)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, *sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	items, err := loadSaleItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) ConfirmSale(ctx context.Context, saleID string, confirmation domain.SaleConfirmation) (*domain.Sale, error) {
	out, err := s.confirmSaleTx(ctx, saleID, confirmation)
	return out, txError(err)
}

func (s *Store) confirmSaleTx(ctx context.Context, saleID string, confirmation domain.SaleConfirmation) (*domain.Sale, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status    domain.SaleStatus
		sessionID sql.NullString
		total     decimal.Decimal
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, session_id, total
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&status, &sessionID, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
		}
		return nil, err
	}
	if !status.CanTransitionTo(domain.SaleStatusCompleted) {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrConflict, saleID, status)
	}

	if sessionID.Valid {
		res, err := tx.ExecContext(ctx, `
			UPDATE cash_sessions
			SET recorded_sales_total = recorded_sales_total + $2
			WHERE id = $1 AND status = $3
		`, sessionID.String, total, domain.SessionStatusOpen)
		if err != nil {
			return nil, err
		}
		if err := requireAffected(res, fmt.Errorf("%w: session %s closed before sale completion", store.ErrConsistency, sessionID.String)); err != nil {
			return nil, err
		}
	}

	payments := confirmation.Payments
	if payments == nil {
		payments = []domain.Payment{}
	}
	paymentsJSON, err := json.Marshal(payments)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, payments = $3, received_amount = $4, change_amount = $5,
			payment_reference = $6, paid_at = $7
		WHERE id = $1 AND status = $8
	`, saleID, domain.SaleStatusCompleted, string(paymentsJSON), confirmation.ReceivedAmount,
		confirmation.ChangeAmount, confirmation.PaymentReference, confirmation.PaidAt, domain.SaleStatusPending)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res, fmt.Errorf("%w: sale %s is no longer pending", store.ErrConflict, saleID)); err != nil {
		return nil, err
	}

	sale, err := s.findSale(ctx, tx, "id", saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) CancelSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	out, err := s.cancelSaleTx(ctx, saleID, reason, at)
	return out, txError(err)
}

func (s *Store) cancelSaleTx(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.SaleStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, saleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
		}
		return nil, err
	}
	if !status.CanTransitionTo(domain.SaleStatusCancelled) {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrConflict, saleID, status)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1
	`, saleID, domain.SaleStatusCancelled, reason, at); err != nil {
		return nil, err
	}

	sale, err := s.findSale(ctx, tx, "id", saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func insertSale(ctx context.Context, q querier, sale *domain.Sale) error {
	if sale.SessionID != "" {
		if err := requireOpenSession(ctx, q, sale.SessionID); err != nil {
			return err
		}
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleStatusPending
	if sale.Payments == nil {
		sale.Payments = []domain.Payment{}
	}
	paymentsJSON, err := json.Marshal(sale.Payments)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO sales (
			id, code, idempotency_key, client_id, warehouse_id, session_id, quote_id,
			document_type, subtotal, tax_rate, tax, total, status, payments,
			payment_reference, note, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, sale.ID, sale.Code, nullIfEmpty(sale.IdempotencyKey), sale.ClientID, sale.WarehouseID,
		nullIfEmpty(sale.SessionID), nullIfEmpty(sale.QuoteID), sale.DocumentType, sale.Subtotal,
		sale.TaxRate, sale.Tax, sale.Total, sale.Status, string(paymentsJSON), sale.PaymentReference,
		sale.Note, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: sale %s or its idempotency key already exists", store.ErrConflict, sale.Code)
		}
		return err
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = xid.New("si")
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, position, product_id, product_name, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, sale.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return err
		}
	}
	return nil
}

func loadSaleItems(ctx context.Context, q querier, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if len(saleIDs) == 1 {
		rows, err = q.QueryContext(ctx, `
			SELECT sale_id, id, product_id, product_name, quantity, unit_price, subtotal
			FROM sale_items
			WHERE sale_id = $1
			ORDER BY position
		`, saleIDs[0])
	} else {
		rows, err = q.QueryContext(ctx, `
			SELECT sale_id, id, product_id, product_name, quantity, unit_price, subtotal
			FROM sale_items
			WHERE sale_id = ANY($1)
			ORDER BY sale_id, position
		`, saleIDs)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			saleID string
			item   domain.SaleItem
		)
		if err := rows.Scan(&saleID, &item.ID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		result[saleID] = append(result[saleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
