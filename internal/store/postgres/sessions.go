package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/reconcile"
	"cajaflow/backend/internal/store"
	"cajaflow/backend/internal/xid"
)

const sessionColumns = `
	id, register_id, opened_by, opened_at, opening_amount, opening_note,
	recorded_sales_total, status, closed_by, closed_at, closing_amount,
	expected_amount, variance, closing_note`

func scanSession(row rowScanner) (*domain.CashSession, error) {
	var (
		session  domain.CashSession
		closedAt sql.NullTime
		closing  decimal.NullDecimal
		expected decimal.NullDecimal
		variance decimal.NullDecimal
	)
	err := row.Scan(
		&session.ID, &session.RegisterID, &session.OpenedBy, &session.OpenedAt,
		&session.OpeningAmount, &session.OpeningNote, &session.RecordedSalesTotal,
		&session.Status, &session.ClosedBy, &closedAt, &closing, &expected, &variance,
		&session.ClosingNote,
	)
	if err != nil {
		return nil, err
	}
	session.ClosedAt = timePtr(closedAt)
	session.ClosingAmount = decimalPtr(closing)
	session.ExpectedAmount = decimalPtr(expected)
	session.Variance = decimalPtr(variance)
	return &session, nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.RegisterID) == "" {
		return nil, store.ErrInvalidInput
	}
	if session.ID == "" {
		session.ID = xid.New("ses")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.RecordedSalesTotal = decimal.Zero

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (
			id, register_id, opened_by, opened_at, opening_amount, opening_note,
			recorded_sales_total, status
		)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7)
	`, session.ID, session.RegisterID, session.OpenedBy, session.OpenedAt,
		session.OpeningAmount, session.OpeningNote, session.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: register %s already has an open session", store.ErrConflict, session.RegisterID)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: register %s", store.ErrNotFound, session.RegisterID)
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) GetOpenSessionByRegister(ctx context.Context, registerID string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE register_id = $1 AND status = $2
	`, registerID, domain.SessionStatusOpen))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no open session on register %s", store.ErrNotFound, registerID)
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, closing domain.SessionClosing) (*domain.CashSession, error) {
	out, err := s.closeSessionTx(ctx, sessionID, closing)
	return out, txError(err)
}

func (s *Store) closeSessionTx(ctx context.Context, sessionID string, closing domain.SessionClosing) (*domain.CashSession, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	session, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE id = $1
		FOR UPDATE
	`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
		}
		return nil, err
	}
	if !session.IsOpen() {
		return nil, fmt.Errorf("%w: session %s is already closed", store.ErrConflict, sessionID)
	}

	movements, err := listMovements(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	result := reconcile.Close(reconcile.ForSession(*session, movements), closing.CountedAmount)
	closedAt := closing.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET status = $2, closed_by = $3, closed_at = $4, closing_amount = $5,
			expected_amount = $6, variance = $7, closing_note = $8
		WHERE id = $1 AND status = $9
	`, sessionID, domain.SessionStatusClosed, closing.ClosedBy, closedAt, result.Counted,
		result.Expected, result.Variance, closing.Note, domain.SessionStatusOpen)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res, fmt.Errorf("%w: session %s is already closed", store.ErrConflict, sessionID)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatusClosed
	session.ClosedBy = closing.ClosedBy
	session.ClosedAt = &closedAt
	session.ClosingNote = closing.Note
	session.ClosingAmount = &result.Counted
	session.ExpectedAmount = &result.Expected
	session.Variance = &result.Variance
	return session, nil
}

func (s *Store) ListClosedSessions(ctx context.Context, filter domain.ClosedSessionFilter) ([]domain.CashSession, error) {
	where := []string{"status = $1"}
	args := []any{domain.SessionStatusClosed}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("closed_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("closed_at < $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("(opened_by = $%d OR closed_by = $%d)", len(args), len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY closed_at DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashSession, 0, 32)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) CreateMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	out, err := s.createMovementTx(ctx, movement)
	return out, txError(err)
}

func (s *Store) createMovementTx(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMovement(ctx, tx, &movement); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) GetMovement(ctx context.Context, movementID string) (*domain.CashMovement, error) {
	var m domain.CashMovement
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, direction, amount, reason, note, created_by, created_at
		FROM cash_movements
		WHERE id = $1
	`, movementID).Scan(&m.ID, &m.SessionID, &m.Direction, &m.Amount, &m.Reason, &m.Note, &m.CreatedBy, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: movement %s", store.ErrNotFound, movementID)
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeleteMovement(ctx context.Context, movementID string) (*domain.CashMovement, error) {
	out, err := s.deleteMovementTx(ctx, movementID)
	return out, txError(err)
}

func (s *Store) deleteMovementTx(ctx context.Context, movementID string) (*domain.CashMovement, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var m domain.CashMovement
	err = tx.QueryRowContext(ctx, `
		SELECT id, session_id, direction, amount, reason, note, created_by, created_at
		FROM cash_movements
		WHERE id = $1
		FOR UPDATE
	`, movementID).Scan(&m.ID, &m.SessionID, &m.Direction, &m.Amount, &m.Reason, &m.Note, &m.CreatedBy, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: movement %s", store.ErrNotFound, movementID)
		}
		return nil, err
	}
	if err := requireOpenSession(ctx, tx, m.SessionID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cash_movements WHERE id = $1`, movementID); err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: movement %s backs a credit note refund", store.ErrConflict, movementID)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM cash_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
	}
	return listMovements(ctx, s.db, sessionID)
}

func listMovements(ctx context.Context, q querier, sessionID string) ([]domain.CashMovement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, direction, amount, reason, note, created_by, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 16)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Direction, &m.Amount, &m.Reason, &m.Note, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// requireOpenSession takes a share lock so a concurrent close waits for the
// caller's transaction.
func requireOpenSession(ctx context.Context, q querier, sessionID string) error {
	var status domain.SessionStatus
	err := q.QueryRowContext(ctx, `
		SELECT status
		FROM cash_sessions
		WHERE id = $1
		FOR SHARE
	`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
		}
		return err
	}
	if status != domain.SessionStatusOpen {
		return fmt.Errorf("%w: session %s is closed", store.ErrConflict, sessionID)
	}
	return nil
}

func insertMovement(ctx context.Context, q querier, movement *domain.CashMovement) error {
	if err := requireOpenSession(ctx, q, movement.SessionID); err != nil {
		return err
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, direction, amount, reason, note, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.SessionID, movement.Direction, movement.Amount, movement.Reason,
		movement.Note, movement.CreatedBy, movement.CreatedAt)
	return err
}
