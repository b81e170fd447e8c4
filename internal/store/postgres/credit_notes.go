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

const creditNoteColumns = `
	id, code, sale_id, reason, description, subtotal, tax, total, refund_method,
	status, session_id, movement_id, created_by, created_at, updated_at`

func scanCreditNote(row rowScanner) (*domain.CreditNote, error) {
	var (
		note       domain.CreditNote
		sessionID  sql.NullString
		movementID sql.NullString
		updatedAt  sql.NullTime
	)
	err := row.Scan(
		&note.ID, &note.Code, &note.SaleID, &note.Reason, &note.Description, &note.Subtotal,
		&note.Tax, &note.Total, &note.RefundMethod, &note.Status, &sessionID, &movementID,
		&note.CreatedBy, &note.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	note.SessionID = sessionID.String
	note.MovementID = movementID.String
	note.UpdatedAt = timePtr(updatedAt)
	return &note, nil
}

func (s *Store) CreateCreditNote(ctx context.Context, note domain.CreditNote, refund *domain.CashMovement) (*domain.CreditNote, error) {
	out, err := s.createCreditNoteTx(ctx, note, refund)
	return out, txError(err)
}

func (s *Store) createCreditNoteTx(ctx context.Context, note domain.CreditNote, refund *domain.CashMovement) (*domain.CreditNote, error) {
	if len(note.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The sale row lock serializes every note issued against the same sale.
	var status domain.SaleStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, note.SaleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, note.SaleID)
		}
		return nil, err
	}
	if status != domain.SaleStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrConflict, note.SaleID, status)
	}

	items, err := loadSaleItems(ctx, tx, []string{note.SaleID})
	if err != nil {
		return nil, err
	}
	original := make(map[string]int, len(items[note.SaleID]))
	for _, item := range items[note.SaleID] {
		original[item.ID] = item.Quantity
	}
	returned, err := returnedQuantities(ctx, tx, note.SaleID)
	if err != nil {
		return nil, err
	}
	for _, item := range note.Items {
		orig, ok := original[item.SaleItemID]
		if !ok {
			return nil, fmt.Errorf("%w: item %s does not belong to sale %s", store.ErrInvalidInput, item.SaleItemID, note.SaleID)
		}
		if item.Quantity > orig-returned[item.SaleItemID] {
			return nil, fmt.Errorf("%w: item %s has %d returnable units", store.ErrInvalidInput, item.SaleItemID, orig-returned[item.SaleItemID])
		}
		returned[item.SaleItemID] += item.Quantity
	}

	if refund != nil {
		movement := *refund
		if err := insertMovement(ctx, tx, &movement); err != nil {
			return nil, err
		}
		note.MovementID = movement.ID
		note.SessionID = movement.SessionID
	}
	if note.ID == "" {
		note.ID = xid.New("cn")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_notes (
			id, code, sale_id, reason, description, subtotal, tax, total,
			refund_method, status, session_id, movement_id, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, note.ID, note.Code, note.SaleID, note.Reason, note.Description, note.Subtotal, note.Tax,
		note.Total, note.RefundMethod, note.Status, nullIfEmpty(note.SessionID),
		nullIfEmpty(note.MovementID), note.CreatedBy, note.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: credit note %s already exists", store.ErrConflict, note.Code)
		}
		return nil, err
	}
	for i := range note.Items {
		item := &note.Items[i]
		if item.ID == "" {
			item.ID = xid.New("cni")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credit_note_items (
				id, credit_note_id, position, sale_item_id, product_id, product_name,
				quantity, unit_price, subtotal
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, note.ID, i, item.SaleItemID, item.ProductID, item.ProductName,
			item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &note, nil
}

func (s *Store) GetCreditNote(ctx context.Context, creditNoteID string) (*domain.CreditNote, error) {
	note, err := scanCreditNote(s.db.QueryRowContext(ctx, `SELECT `+creditNoteColumns+` FROM credit_notes WHERE id = $1`, creditNoteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: credit note %s", store.ErrNotFound, creditNoteID)
		}
		return nil, err
	}
	if note.Items, err = loadCreditNoteItems(ctx, s.db, note.ID); err != nil {
		return nil, err
	}
	return note, nil
}

func (s *Store) ListCreditNotes(ctx context.Context, saleID string) ([]domain.CreditNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+creditNoteColumns+`
		FROM credit_notes
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	notes := make([]domain.CreditNote, 0, 4)
	for rows.Next() {
		note, err := scanCreditNote(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		notes = append(notes, *note)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range notes {
		if notes[i].Items, err = loadCreditNoteItems(ctx, s.db, notes[i].ID); err != nil {
			return nil, err
		}
	}
	return notes, nil
}

func (s *Store) GetReturnedQuantities(ctx context.Context, saleID string) (map[string]int, error) {
	return returnedQuantities(ctx, s.db, saleID)
}

func (s *Store) UpdateCreditNoteStatus(ctx context.Context, creditNoteID string, status domain.CreditNoteStatus, at time.Time) (*domain.CreditNote, error) {
	out, err := s.updateCreditNoteStatusTx(ctx, creditNoteID, status, at)
	return out, txError(err)
}

func (s *Store) updateCreditNoteStatusTx(ctx context.Context, creditNoteID string, status domain.CreditNoteStatus, at time.Time) (*domain.CreditNote, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.CreditNoteStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM credit_notes WHERE id = $1 FOR UPDATE`, creditNoteID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: credit note %s", store.ErrNotFound, creditNoteID)
		}
		return nil, err
	}
	if !current.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: credit note %s cannot move from %s to %s", store.ErrConflict, creditNoteID, current, status)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_notes
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, creditNoteID, status, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetCreditNote(ctx, creditNoteID)
}

func returnedQuantities(ctx context.Context, q querier, saleID string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT cni.sale_item_id, COALESCE(SUM(cni.quantity), 0)
		FROM credit_note_items cni
		JOIN credit_notes cn ON cn.id = cni.credit_note_id
		WHERE cn.sale_id = $1 AND cn.status <> $2
		GROUP BY cni.sale_item_id
	`, saleID, domain.CreditNoteStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var (
			itemID string
			qty    int
		)
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		result[itemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func loadCreditNoteItems(ctx context.Context, q querier, creditNoteID string) ([]domain.CreditNoteItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_item_id, product_id, product_name, quantity, unit_price, subtotal
		FROM credit_note_items
		WHERE credit_note_id = $1
		ORDER BY position
	`, creditNoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.CreditNoteItem, 0, 4)
	for rows.Next() {
		var item domain.CreditNoteItem
		if err := rows.Scan(&item.ID, &item.SaleItemID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
