package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/store"
	"cajaflow/backend/internal/xid"
)

const quoteColumns = `
	id, code, client_id, warehouse_id, created_by, issued_at, validity_days,
	expires_at, subtotal, tax_rate, tax, total, tax_included, status,
	rejection_reason, conversion_attempts, note, updated_at`

func scanQuote(row rowScanner) (*domain.Quote, error) {
	var (
		quote     domain.Quote
		updatedAt sql.NullTime
	)
	err := row.Scan(
		&quote.ID, &quote.Code, &quote.ClientID, &quote.WarehouseID, &quote.CreatedBy,
		&quote.IssuedAt, &quote.ValidityDays, &quote.ExpiresAt, &quote.Subtotal, &quote.TaxRate,
		&quote.Tax, &quote.Total, &quote.TaxIncluded, &quote.Status, &quote.RejectionReason,
		&quote.ConversionAttempts, &quote.Note, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	quote.UpdatedAt = timePtr(updatedAt)
	return &quote, nil
}

func (s *Store) CreateQuote(ctx context.Context, quote domain.Quote) (*domain.Quote, error) {
	out, err := s.createQuoteTx(ctx, quote)
	return out, txError(err)
}

func (s *Store) createQuoteTx(ctx context.Context, quote domain.Quote) (*domain.Quote, error) {
	if len(quote.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if quote.ID == "" {
		quote.ID = xid.New("quo")
	}
	quote.SaleIDs = []string{}

	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quotes (
			id, code, client_id, warehouse_id, created_by, issued_at, validity_days,
			expires_at, subtotal, tax_rate, tax, total, tax_included, status,
			rejection_reason, conversion_attempts, note
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,0,$16)
	`, quote.ID, quote.Code, quote.ClientID, quote.WarehouseID, quote.CreatedBy, quote.IssuedAt,
		quote.ValidityDays, quote.ExpiresAt, quote.Subtotal, quote.TaxRate, quote.Tax, quote.Total,
		quote.TaxIncluded, quote.Status, quote.RejectionReason, quote.Note)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: quote %s already exists", store.ErrConflict, quote.Code)
		}
		return nil, err
	}
	for i := range quote.Items {
		item := &quote.Items[i]
		if item.ID == "" {
			item.ID = xid.New("qi")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quote_items (id, quote_id, position, product_id, product_name, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, quote.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &quote, nil
}

func (s *Store) GetQuote(ctx context.Context, quoteID string) (*domain.Quote, error) {
	return getQuote(ctx, s.db, quoteID)
}

func getQuote(ctx context.Context, q querier, quoteID string) (*domain.Quote, error) {
	quote, err := scanQuote(q.QueryRowContext(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, quoteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: quote %s", store.ErrNotFound, quoteID)
		}
		return nil, err
	}
	if err := loadQuoteDetails(ctx, q, quote); err != nil {
		return nil, err
	}
	return quote, nil
}

func (s *Store) ListQuotes(ctx context.Context, filter domain.QuoteFilter) ([]domain.Quote, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if filter.Status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+quoteColumns+`
			FROM quotes
			WHERE status = $1
			ORDER BY issued_at DESC, id DESC
			LIMIT $2
		`, filter.Status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+quoteColumns+`
			FROM quotes
			ORDER BY issued_at DESC, id DESC
			LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	quotes := make([]domain.Quote, 0, limit)
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		quotes = append(quotes, *quote)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range quotes {
		if err := loadQuoteDetails(ctx, s.db, &quotes[i]); err != nil {
			return nil, err
		}
	}
	return quotes, nil
}

func (s *Store) UpdateQuoteStatus(ctx context.Context, quoteID string, status domain.QuoteStatus, rejectionReason string, at time.Time) (*domain.Quote, error) {
	out, err := s.updateQuoteStatusTx(ctx, quoteID, status, rejectionReason, at)
	return out, txError(err)
}

func (s *Store) updateQuoteStatusTx(ctx context.Context, quoteID string, status domain.QuoteStatus, rejectionReason string, at time.Time) (*domain.Quote, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockQuoteStatus(ctx, tx, quoteID)
	if err != nil {
		return nil, err
	}
	if !current.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: quote %s cannot move from %s to %s", store.ErrConflict, quoteID, current, status)
	}
	if status != domain.QuoteStatusRejected {
		rejectionReason = ""
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE quotes
		SET status = $2, rejection_reason = CASE WHEN $3 = '' THEN rejection_reason ELSE $3 END, updated_at = $4
		WHERE id = $1
	`, quoteID, status, rejectionReason, at); err != nil {
		return nil, err
	}
	quote, err := getQuote(ctx, tx, quoteID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return quote, nil
}

func (s *Store) IncrementQuoteAttempts(ctx context.Context, quoteID string) (*domain.Quote, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quotes
		SET conversion_attempts = conversion_attempts + 1
		WHERE id = $1
	`, quoteID)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res, fmt.Errorf("%w: quote %s", store.ErrNotFound, quoteID)); err != nil {
		return nil, err
	}
	return s.GetQuote(ctx, quoteID)
}

func (s *Store) ConvertQuote(ctx context.Context, quoteID string, sale domain.Sale, at time.Time) (*domain.Sale, *domain.Quote, error) {
	saved, converted, err := s.convertQuoteTx(ctx, quoteID, sale, at)
	return saved, converted, txError(err)
}

func (s *Store) convertQuoteTx(ctx context.Context, quoteID string, sale domain.Sale, at time.Time) (*domain.Sale, *domain.Quote, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockQuoteStatus(ctx, tx, quoteID)
	if err != nil {
		return nil, nil, err
	}
	if !current.Convertible() {
		return nil, nil, fmt.Errorf("%w: quote %s is %s", store.ErrConflict, quoteID, current)
	}

	saleID := ""
	if sale.IdempotencyKey != "" {
		var owner sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT id, quote_id FROM sales WHERE idempotency_key = $1`, sale.IdempotencyKey).Scan(&saleID, &owner)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, err
		}
		if saleID != "" && owner.String != quoteID {
			return nil, nil, fmt.Errorf("%w: idempotency key %s belongs to sale %s", store.ErrConflict, sale.IdempotencyKey, saleID)
		}
	}
	if saleID == "" {
		sale.QuoteID = quoteID
		if err := insertSale(ctx, tx, &sale); err != nil {
			return nil, nil, err
		}
		saleID = sale.ID
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE quotes
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, quoteID, domain.QuoteStatusConverted, at, current)
	if err != nil {
		return nil, nil, err
	}
	if err := requireAffected(res, fmt.Errorf("%w: quote %s changed during conversion", store.ErrConflict, quoteID)); err != nil {
		return nil, nil, err
	}

	savedSale, err := s.findSale(ctx, tx, "id", saleID)
	if err != nil {
		return nil, nil, err
	}
	savedQuote, err := getQuote(ctx, tx, quoteID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return savedSale, savedQuote, nil
}

func (s *Store) ExpireQuotes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quotes
		SET status = $1, updated_at = $2
		WHERE status IN ($3, $4) AND expires_at < $2
	`, domain.QuoteStatusExpired, now, domain.QuoteStatusPending, domain.QuoteStatusAccepted)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func lockQuoteStatus(ctx context.Context, q querier, quoteID string) (domain.QuoteStatus, error) {
	var status domain.QuoteStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM quotes WHERE id = $1 FOR UPDATE`, quoteID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: quote %s", store.ErrNotFound, quoteID)
		}
		return "", err
	}
	return status, nil
}

// loadQuoteDetails fills items and the ids of sales converted from the quote.
func loadQuoteDetails(ctx context.Context, q querier, quote *domain.Quote) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, product_name, quantity, unit_price, subtotal
		FROM quote_items
		WHERE quote_id = $1
		ORDER BY position
	`, quote.ID)
	if err != nil {
		return err
	}
	quote.Items = make([]domain.QuoteItem, 0, 4)
	for rows.Next() {
		var item domain.QuoteItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			_ = rows.Close()
			return err
		}
		quote.Items = append(quote.Items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	saleRows, err := q.QueryContext(ctx, `
		SELECT id
		FROM sales
		WHERE quote_id = $1
		ORDER BY created_at, id
	`, quote.ID)
	if err != nil {
		return err
	}
	defer saleRows.Close()

	quote.SaleIDs = make([]string, 0, 1)
	for saleRows.Next() {
		var id string
		if err := saleRows.Scan(&id); err != nil {
			return err
		}
		quote.SaleIDs = append(quote.SaleIDs, id)
	}
	return saleRows.Err()
}
