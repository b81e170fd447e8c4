package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/lock"
	"cajaflow/backend/internal/pricing"
)

// IssueCreditNote returns quantities of a completed sale at their original
// prices. The sale record itself is never touched.
func (s *Service) IssueCreditNote(ctx context.Context, saleID string, req domain.CreditNoteCreateRequest) (domain.CreditNoteResponse, error) {
	saleID = trimmed(saleID)
	req.SessionID = trimmed(req.SessionID)
	if saleID == "" {
		return domain.CreditNoteResponse{}, invalid("sale id is required")
	}
	if !req.Reason.Valid() {
		return domain.CreditNoteResponse{}, invalid("unknown credit note reason %q", req.Reason)
	}
	if !req.RefundMethod.Valid() {
		return domain.CreditNoteResponse{}, invalid("unsupported refund method %q", req.RefundMethod)
	}
	if req.SessionID != "" && req.RefundMethod != domain.RefundCash {
		return domain.CreditNoteResponse{}, invalid("only cash refunds are paid from a session")
	}

	var saved *domain.CreditNote
	err := s.withLock(ctx, lock.SaleKey(saleID), func() error {
		sale, err := s.repo.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusCompleted {
			return conflict("credit notes need a completed sale, %s is %s", sale.ID, sale.Status)
		}
		returned, err := s.repo.GetReturnedQuantities(ctx, sale.ID)
		if err != nil {
			return err
		}
		items, err := returnLines(*sale, returned, req)
		if err != nil {
			return err
		}

		subtotal := decimal.Zero
		for _, item := range items {
			subtotal = subtotal.Add(item.Subtotal)
		}
		tax := pricing.Money(subtotal.Mul(sale.TaxRate))
		total := subtotal.Add(tax)

		code, err := s.nextCode(ctx, domain.SeriesKindCreditNote)
		if err != nil {
			return err
		}
		now := s.now()
		note := domain.CreditNote{
			Code:         code,
			SaleID:       sale.ID,
			Reason:       req.Reason,
			Description:  trimmed(req.Description),
			Items:        items,
			Subtotal:     subtotal,
			Tax:          tax,
			Total:        total,
			RefundMethod: req.RefundMethod,
			Status:       domain.CreditNoteStatusPending,
			CreatedBy:    actorName(ctx),
			CreatedAt:    now,
		}

		var refund *domain.CashMovement
		if req.RefundMethod == domain.RefundCash && req.SessionID != "" {
			note.Status = domain.CreditNoteStatusRefunded
			refund = &domain.CashMovement{
				SessionID: req.SessionID,
				Direction: domain.MovementOut,
				Amount:    total,
				Reason:    domain.MovementReasonCreditNoteRefund,
				Note:      code,
				CreatedBy: note.CreatedBy,
				CreatedAt: now,
			}
		}

		saved, err = s.repo.CreateCreditNote(ctx, note, refund)
		return err
	})
	if err != nil {
		return domain.CreditNoteResponse{}, err
	}

	s.logAudit(ctx, "credit_note_issue", "credit_note", saved.ID,
		zap.String("code", saved.Code),
		zap.String("sale_id", saved.SaleID),
		zap.String("total", saved.Total.StringFixed(2)),
		zap.String("refund_method", string(saved.RefundMethod)))
	return domain.CreditNoteResponse{CreditNote: *saved}, nil
}

// returnLines resolves the requested quantities against the sale. A full
// return without items takes everything not yet returned.
func returnLines(sale domain.Sale, returned map[string]int, req domain.CreditNoteCreateRequest) ([]domain.CreditNoteItem, error) {
	byID := make(map[string]domain.SaleItem, len(sale.Items))
	for _, item := range sale.Items {
		byID[item.ID] = item
	}

	requested := req.Items
	if len(requested) == 0 {
		if req.Reason != domain.CreditNoteFullReturn {
			return nil, invalid("a partial return must list the returned items")
		}
		for _, item := range sale.Items {
			if left := item.Quantity - returned[item.ID]; left > 0 {
				requested = append(requested, domain.CreditNoteItemInput{SaleItemID: item.ID, Quantity: left})
			}
		}
		if len(requested) == 0 {
			return nil, invalid("sale %s has nothing left to return", sale.ID)
		}
	}

	used := make(map[string]int, len(requested))
	lines := make([]domain.CreditNoteItem, 0, len(requested))
	for _, in := range requested {
		id := trimmed(in.SaleItemID)
		original, ok := byID[id]
		if !ok {
			return nil, invalid("item %s does not belong to sale %s", id, sale.ID)
		}
		if in.Quantity <= 0 {
			return nil, invalid("returned quantity for item %s must be positive", id)
		}
		left := original.Quantity - returned[id] - used[id]
		if in.Quantity > left {
			return nil, invalid("item %s has only %d returnable units", id, left)
		}
		used[id] += in.Quantity
		lines = append(lines, domain.CreditNoteItem{
			SaleItemID:  id,
			ProductID:   original.ProductID,
			ProductName: original.ProductName,
			Quantity:    in.Quantity,
			UnitPrice:   original.UnitPrice,
			Subtotal:    pricing.LineSubtotal(in.Quantity, original.UnitPrice),
		})
	}
	return lines, nil
}

func (s *Service) ListCreditNotes(ctx context.Context, saleID string) (domain.CreditNoteListResponse, error) {
	sale, err := s.repo.GetSale(ctx, trimmed(saleID))
	if err != nil {
		return domain.CreditNoteListResponse{}, err
	}
	notes, err := s.repo.ListCreditNotes(ctx, sale.ID)
	if err != nil {
		return domain.CreditNoteListResponse{}, err
	}
	if notes == nil {
		notes = []domain.CreditNote{}
	}
	return domain.CreditNoteListResponse{CreditNotes: notes}, nil
}

func (s *Service) UpdateCreditNoteStatus(ctx context.Context, creditNoteID string, req domain.CreditNoteStatusRequest) (domain.CreditNoteResponse, error) {
	creditNoteID = trimmed(creditNoteID)
	if creditNoteID == "" {
		return domain.CreditNoteResponse{}, invalid("credit note id is required")
	}
	if !req.Status.Valid() {
		return domain.CreditNoteResponse{}, invalid("unknown credit note status %q", req.Status)
	}
	updated, err := s.repo.UpdateCreditNoteStatus(ctx, creditNoteID, req.Status, s.now())
	if err != nil {
		return domain.CreditNoteResponse{}, err
	}
	s.logAudit(ctx, "credit_note_status", "credit_note", updated.ID, zap.String("status", string(updated.Status)))
	return domain.CreditNoteResponse{CreditNote: *updated}, nil
}

func creditedTotal(notes []domain.CreditNote) decimal.Decimal {
	total := decimal.Zero
	for _, note := range notes {
		if note.Status.Counts() {
			total = total.Add(note.Total)
		}
	}
	return total
}
