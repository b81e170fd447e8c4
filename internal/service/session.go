package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/lock"
	"cajaflow/backend/internal/reconcile"
	"cajaflow/backend/internal/store"
)

func (s *Service) ListRegisters(ctx context.Context) ([]domain.CashRegister, error) {
	return s.repo.ListRegisters(ctx)
}

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.SessionResponse, error) {
	req.RegisterID = trimmed(req.RegisterID)
	if req.RegisterID == "" {
		return domain.SessionResponse{}, invalid("register_id is required")
	}
	if req.OpeningAmount.IsNegative() {
		return domain.SessionResponse{}, invalid("opening amount cannot be negative")
	}

	var saved *domain.CashSession
	err := s.withLock(ctx, lock.RegisterKey(req.RegisterID), func() error {
		register, err := s.repo.GetRegister(ctx, req.RegisterID)
		if err != nil {
			return err
		}
		if !register.Active {
			return invalid("register %s is inactive", register.ID)
		}
		saved, err = s.repo.CreateSession(ctx, domain.CashSession{
			RegisterID:    register.ID,
			OpenedBy:      actorName(ctx),
			OpenedAt:      s.now(),
			OpeningAmount: req.OpeningAmount,
			OpeningNote:   trimmed(req.Note),
		})
		return err
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, "session_open", "cash_session", saved.ID,
		zap.String("register_id", saved.RegisterID),
		zap.String("opening_amount", saved.OpeningAmount.StringFixed(2)))
	return domain.SessionResponse{Session: *saved}, nil
}

// CloseSession freezes the session with the counted cash and its variance
// against the ledger as of the close.
func (s *Service) CloseSession(ctx context.Context, sessionID string, req domain.SessionCloseRequest) (domain.SessionResponse, error) {
	sessionID = trimmed(sessionID)
	if sessionID == "" {
		return domain.SessionResponse{}, invalid("session id is required")
	}
	if req.CountedAmount.IsNegative() {
		return domain.SessionResponse{}, invalid("counted amount cannot be negative")
	}

	var closed *domain.CashSession
	err := s.withLock(ctx, lock.SessionKey(sessionID), func() error {
		var err error
		closed, err = s.repo.CloseSession(ctx, sessionID, domain.SessionClosing{
			CountedAmount: req.CountedAmount,
			Note:          trimmed(req.Note),
			ClosedBy:      actorName(ctx),
			ClosedAt:      s.now(),
		})
		return err
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}

	fields := []zap.Field{zap.String("counted_amount", req.CountedAmount.StringFixed(2))}
	if closed.ExpectedAmount != nil {
		fields = append(fields, zap.String("expected_amount", closed.ExpectedAmount.StringFixed(2)))
	}
	if closed.Variance != nil {
		fields = append(fields, zap.String("variance", closed.Variance.StringFixed(2)))
	}
	s.logAudit(ctx, "session_close", "cash_session", closed.ID, fields...)
	return domain.SessionResponse{Session: *closed}, nil
}

func (s *Service) GetActiveSession(ctx context.Context, registerID string) (domain.SessionResponse, error) {
	registerID = trimmed(registerID)
	if registerID == "" {
		return domain.SessionResponse{}, invalid("register id is required")
	}
	session, err := s.repo.GetOpenSessionByRegister(ctx, registerID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return domain.SessionResponse{Session: *session}, nil
}

func (s *Service) GetSessionSummary(ctx context.Context, sessionID string) (domain.SessionSummary, error) {
	session, err := s.repo.GetSession(ctx, trimmed(sessionID))
	if err != nil {
		return domain.SessionSummary{}, err
	}
	movements, err := s.repo.ListMovements(ctx, session.ID)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	return reconcile.Summarize(*session, movements), nil
}

func (s *Service) ListClosedSessions(ctx context.Context, filter domain.ClosedSessionFilter) ([]domain.CashSession, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return nil, invalid("from must not be after to")
	}
	filter.UserID = trimmed(filter.UserID)
	return s.repo.ListClosedSessions(ctx, filter)
}

func (s *Service) PostMovement(ctx context.Context, sessionID string, req domain.MovementCreateRequest) (domain.CashMovement, error) {
	sessionID = trimmed(sessionID)
	req.Reason = trimmed(req.Reason)
	if sessionID == "" {
		return domain.CashMovement{}, invalid("session id is required")
	}
	if !req.Direction.Valid() {
		return domain.CashMovement{}, invalid("direction must be in or out")
	}
	if !req.Amount.IsPositive() {
		return domain.CashMovement{}, invalid("movement amount must be positive")
	}
	if req.Reason == "" {
		return domain.CashMovement{}, invalid("movement reason is required")
	}
	if req.Reason == domain.MovementReasonCreditNoteRefund {
		return domain.CashMovement{}, invalid("reason %s is reserved for credit notes", req.Reason)
	}

	var saved *domain.CashMovement
	err := s.withLock(ctx, lock.SessionKey(sessionID), func() error {
		var err error
		saved, err = s.repo.CreateMovement(ctx, domain.CashMovement{
			SessionID: sessionID,
			Direction: req.Direction,
			Amount:    req.Amount,
			Reason:    req.Reason,
			Note:      trimmed(req.Note),
			CreatedBy: actorName(ctx),
			CreatedAt: s.now(),
		})
		return err
	})
	if err != nil {
		return domain.CashMovement{}, err
	}

	s.logAudit(ctx, "movement_post", "cash_movement", saved.ID,
		zap.String("session_id", saved.SessionID),
		zap.String("direction", string(saved.Direction)),
		zap.String("amount", saved.Amount.StringFixed(2)))
	return *saved, nil
}

// DeleteMovement removes a movement from an open session and returns the
// recomputed live summary.
func (s *Service) DeleteMovement(ctx context.Context, movementID string) (domain.MovementDeleteResponse, error) {
	movementID = trimmed(movementID)
	if movementID == "" {
		return domain.MovementDeleteResponse{}, invalid("movement id is required")
	}
	existing, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return domain.MovementDeleteResponse{}, err
	}

	var deleted *domain.CashMovement
	err = s.withLock(ctx, lock.SessionKey(existing.SessionID), func() error {
		var err error
		deleted, err = s.repo.DeleteMovement(ctx, movementID)
		return err
	})
	if err != nil {
		return domain.MovementDeleteResponse{}, err
	}

	summary, err := s.GetSessionSummary(ctx, deleted.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.MovementDeleteResponse{}, err
	}
	s.logAudit(ctx, "movement_delete", "cash_movement", deleted.ID,
		zap.String("session_id", deleted.SessionID),
		zap.String("amount", deleted.Amount.StringFixed(2)))
	return domain.MovementDeleteResponse{Deleted: *deleted, Summary: summary}, nil
}
