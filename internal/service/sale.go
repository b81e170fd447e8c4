package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/lock"
	"cajaflow/backend/internal/pricing"
	"cajaflow/backend/internal/store"
)

// saleDraft is everything needed to price and number a new pending sale.
type saleDraft struct {
	idempotencyKey string
	sessionID      string
	clientID       string
	warehouseID    string
	documentType   domain.DocumentType
	items          []domain.SaleItemInput
	taxIncluded    bool
	taxRate        decimal.Decimal
	payments       []domain.PaymentInput
	note           string
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleResponse, error) {
	taxIncluded := s.settings.TaxEnabled()
	if req.TaxIncluded != nil {
		taxIncluded = *req.TaxIncluded
	}
	draft := saleDraft{
		idempotencyKey: trimmed(req.IdempotencyKey),
		sessionID:      trimmed(req.SessionID),
		clientID:       trimmed(req.ClientID),
		warehouseID:    trimmed(req.WarehouseID),
		documentType:   req.DocumentType,
		items:          req.Items,
		taxIncluded:    taxIncluded,
		taxRate:        s.settings.TaxRate(),
		payments:       req.Payments,
		note:           trimmed(req.Note),
	}
	if err := validateDraft(draft); err != nil {
		return domain.SaleResponse{}, err
	}
	if strings.HasPrefix(draft.idempotencyKey, quoteKeyPrefix) {
		return domain.SaleResponse{}, invalid("idempotency keys starting with %q are reserved for quote conversion", quoteKeyPrefix)
	}

	if draft.idempotencyKey != "" {
		existing, err := s.repo.FindSaleByIdempotency(ctx, draft.idempotencyKey)
		if err == nil {
			return s.saleResponse(ctx, existing, true)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.SaleResponse{}, err
		}
	}

	sale, err := s.prepareSale(ctx, draft)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	saved, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		// A concurrent replay may have won the idempotency key.
		if errors.Is(err, store.ErrConflict) && draft.idempotencyKey != "" {
			if existing, findErr := s.repo.FindSaleByIdempotency(ctx, draft.idempotencyKey); findErr == nil {
				return s.saleResponse(ctx, existing, true)
			}
		}
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", saved.ID,
		zap.String("code", saved.Code),
		zap.String("document_type", string(saved.DocumentType)),
		zap.String("total", saved.Total.StringFixed(2)))
	return domain.SaleResponse{Sale: *saved, CreditedTotal: decimal.Zero, EffectiveTotal: saved.Total}, nil
}

func validateDraft(d saleDraft) error {
	if !d.documentType.Valid() {
		return invalid("unsupported document type %q", d.documentType)
	}
	if d.warehouseID == "" {
		return invalid("warehouse_id is required")
	}
	if d.documentType == domain.DocumentInvoice && d.clientID == "" {
		return invalid("an invoice requires a client")
	}
	if d.documentType.RequiresSession() && d.sessionID == "" {
		return invalid("a %s requires an open cash session", d.documentType)
	}
	if err := validateItems(d.items); err != nil {
		return err
	}
	for _, p := range d.payments {
		if !p.Method.Valid() {
			return invalid("unsupported payment method %q", p.Method)
		}
		if !p.Amount.IsPositive() {
			return invalid("payment amounts must be positive")
		}
	}
	return nil
}

func validateItems(items []domain.SaleItemInput) error {
	if len(items) == 0 {
		return invalid("at least one item is required")
	}
	for _, item := range items {
		if trimmed(item.ProductID) == "" || trimmed(item.ProductName) == "" {
			return invalid("items need a product id and name")
		}
		if item.Quantity <= 0 {
			return invalid("item %s quantity must be positive", item.ProductID)
		}
		if item.UnitPrice.IsNegative() {
			return invalid("item %s unit price cannot be negative", item.ProductID)
		}
	}
	return nil
}

// prepareSale checks the session, prices the lines and allocates the code.
// Nothing is persisted.
func (s *Service) prepareSale(ctx context.Context, d saleDraft) (domain.Sale, error) {
	if d.sessionID != "" {
		session, err := s.repo.GetSession(ctx, d.sessionID)
		if err != nil {
			return domain.Sale{}, err
		}
		if !session.IsOpen() {
			return domain.Sale{}, conflict("session %s is closed", session.ID)
		}
	}

	lines := make([]pricing.Line, 0, len(d.items))
	items := make([]domain.SaleItem, 0, len(d.items))
	for _, in := range d.items {
		lines = append(lines, pricing.Line{Quantity: in.Quantity, UnitPrice: in.UnitPrice})
		items = append(items, domain.SaleItem{
			ProductID:   trimmed(in.ProductID),
			ProductName: trimmed(in.ProductName),
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			Subtotal:    pricing.LineSubtotal(in.Quantity, in.UnitPrice),
		})
	}
	totals := pricing.Compute(lines, d.taxIncluded, d.taxRate)

	code, err := s.nextCode(ctx, string(d.documentType))
	if err != nil {
		return domain.Sale{}, err
	}
	return domain.Sale{
		Code:           code,
		IdempotencyKey: d.idempotencyKey,
		ClientID:       d.clientID,
		WarehouseID:    d.warehouseID,
		SessionID:      d.sessionID,
		DocumentType:   d.documentType,
		Items:          items,
		Payments:       toPayments(d.payments),
		Subtotal:       totals.Subtotal,
		TaxRate:        totals.TaxRate,
		Tax:            totals.Tax,
		Total:          totals.Total,
		Status:         domain.SaleStatusPending,
		Note:           d.note,
		CreatedBy:      actorName(ctx),
		CreatedAt:      s.now(),
	}, nil
}

// ConfirmPayment settles a pending sale. Payments come from the request,
// else the ones declared at creation, else a single cash payment of the
// received amount.
func (s *Service) ConfirmPayment(ctx context.Context, saleID string, req domain.SaleConfirmRequest) (domain.SaleResponse, error) {
	saleID = trimmed(saleID)
	if saleID == "" {
		return domain.SaleResponse{}, invalid("sale id is required")
	}
	if req.ReceivedAmount.IsNegative() {
		return domain.SaleResponse{}, invalid("received amount cannot be negative")
	}
	if req.ChangeAmount != nil && req.ChangeAmount.IsNegative() {
		return domain.SaleResponse{}, invalid("change amount cannot be negative")
	}

	var confirmed *domain.Sale
	err := s.withLock(ctx, lock.SaleKey(saleID), func() error {
		sale, err := s.repo.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusPending {
			return conflict("sale %s is %s", sale.ID, sale.Status)
		}

		confirmation, err := buildConfirmation(*sale, req)
		if err != nil {
			return err
		}
		confirmation.PaidAt = s.now()

		confirmed, err = s.repo.ConfirmSale(ctx, sale.ID, confirmation)
		return s.reportConsistency(ctx, err, zap.String("sale_id", sale.ID), zap.String("session_id", sale.SessionID))
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_confirm", "sale", confirmed.ID,
		zap.String("total", confirmed.Total.StringFixed(2)),
		zap.String("received", confirmed.ReceivedAmount.StringFixed(2)),
		zap.String("change", confirmed.ChangeAmount.StringFixed(2)),
		zap.Int("payments", len(confirmed.Payments)))
	return domain.SaleResponse{Sale: *confirmed, CreditedTotal: decimal.Zero, EffectiveTotal: confirmed.Total}, nil
}

func buildConfirmation(sale domain.Sale, req domain.SaleConfirmRequest) (domain.SaleConfirmation, error) {
	var payments []domain.Payment
	switch {
	case len(req.Payments) > 0:
		payments = toPayments(req.Payments)
	case len(sale.Payments) > 0:
		payments = append([]domain.Payment(nil), sale.Payments...)
	case req.ReceivedAmount.IsPositive():
		payments = []domain.Payment{{Method: domain.PaymentCash, Amount: req.ReceivedAmount, Position: 1}}
	}

	reference := trimmed(req.PaymentReference)
	paid := decimal.Zero
	for i := range payments {
		p := &payments[i]
		if !p.Method.Valid() {
			return domain.SaleConfirmation{}, invalid("unsupported payment method %q", p.Method)
		}
		if !p.Amount.IsPositive() {
			return domain.SaleConfirmation{}, invalid("payment amounts must be positive")
		}
		if p.Method.RequiresReference() && p.Reference == "" {
			p.Reference = reference
		}
		if p.Method.RequiresReference() && p.Reference == "" {
			return domain.SaleConfirmation{}, invalid("%s payments require a reference", p.Method)
		}
		p.Position = i + 1
		paid = paid.Add(p.Amount)
	}
	if paid.LessThan(sale.Total) {
		return domain.SaleConfirmation{}, invalid("payments %s do not cover total %s", paid.StringFixed(2), sale.Total.StringFixed(2))
	}

	received := req.ReceivedAmount
	if received.IsZero() {
		received = paid
	}
	change := received.Sub(sale.Total)
	if req.ChangeAmount != nil {
		if req.ChangeAmount.GreaterThan(change) {
			return domain.SaleConfirmation{}, invalid("change %s exceeds received %s minus total %s",
				req.ChangeAmount.StringFixed(2), received.StringFixed(2), sale.Total.StringFixed(2))
		}
		change = *req.ChangeAmount
	}
	if change.IsNegative() {
		change = decimal.Zero
	}

	return domain.SaleConfirmation{
		Payments:         payments,
		ReceivedAmount:   received,
		ChangeAmount:     pricing.RoundChange(change),
		PaymentReference: reference,
	}, nil
}

func (s *Service) CancelSale(ctx context.Context, saleID string, req domain.SaleCancelRequest) (domain.SaleResponse, error) {
	saleID = trimmed(saleID)
	reason := trimmed(req.Reason)
	if saleID == "" {
		return domain.SaleResponse{}, invalid("sale id is required")
	}
	if reason == "" {
		return domain.SaleResponse{}, invalid("a cancellation reason is required")
	}

	var cancelled *domain.Sale
	err := s.withLock(ctx, lock.SaleKey(saleID), func() error {
		var err error
		cancelled, err = s.repo.CancelSale(ctx, saleID, reason, s.now())
		return err
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_cancel", "sale", cancelled.ID, zap.String("reason", reason))
	return domain.SaleResponse{Sale: *cancelled, CreditedTotal: decimal.Zero, EffectiveTotal: cancelled.Total}, nil
}

// GetSale returns the sale with its credited and effective collected totals.
func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	sale, err := s.repo.GetSale(ctx, trimmed(saleID))
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return s.saleResponse(ctx, sale, false)
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) (domain.SaleListResponse, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.SaleListResponse{}, invalid("unknown sale status %q", filter.Status)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return domain.SaleListResponse{}, invalid("from must not be after to")
	}
	filter.SessionID = trimmed(filter.SessionID)
	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	if sales == nil {
		sales = []domain.Sale{}
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

func (s *Service) saleResponse(ctx context.Context, sale *domain.Sale, duplicate bool) (domain.SaleResponse, error) {
	notes, err := s.repo.ListCreditNotes(ctx, sale.ID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	credited := creditedTotal(notes)
	return domain.SaleResponse{
		Sale:           *sale,
		CreditedTotal:  credited,
		EffectiveTotal: sale.Total.Sub(credited),
		Duplicate:      duplicate,
	}, nil
}

func toPayments(inputs []domain.PaymentInput) []domain.Payment {
	payments := make([]domain.Payment, 0, len(inputs))
	for i, in := range inputs {
		payments = append(payments, domain.Payment{
			Method:    in.Method,
			Amount:    in.Amount,
			Reference: trimmed(in.Reference),
			Note:      trimmed(in.Note),
			Position:  i + 1,
		})
	}
	return payments
}
