package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/lock"
	"cajaflow/backend/internal/pricing"
	"cajaflow/backend/internal/store"
)

// quoteKeyPrefix namespaces the idempotency keys of converted quotes; callers
// may not create sales under it.
const quoteKeyPrefix = "quote:"

func quoteIdempotencyKey(quoteID string) string {
	return quoteKeyPrefix + quoteID
}

func (s *Service) CreateQuote(ctx context.Context, req domain.QuoteCreateRequest) (domain.QuoteResponse, error) {
	req.WarehouseID = trimmed(req.WarehouseID)
	if req.WarehouseID == "" {
		return domain.QuoteResponse{}, invalid("warehouse_id is required")
	}
	if req.ValidityDays <= 0 {
		return domain.QuoteResponse{}, invalid("validity_days must be positive")
	}
	if err := validateItems(req.Items); err != nil {
		return domain.QuoteResponse{}, err
	}

	taxIncluded := s.settings.TaxEnabled()
	if req.TaxIncluded != nil {
		taxIncluded = *req.TaxIncluded
	}
	lines := make([]pricing.Line, 0, len(req.Items))
	items := make([]domain.QuoteItem, 0, len(req.Items))
	for _, in := range req.Items {
		lines = append(lines, pricing.Line{Quantity: in.Quantity, UnitPrice: in.UnitPrice})
		items = append(items, domain.QuoteItem{
			ProductID:   trimmed(in.ProductID),
			ProductName: trimmed(in.ProductName),
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			Subtotal:    pricing.LineSubtotal(in.Quantity, in.UnitPrice),
		})
	}
	totals := pricing.Compute(lines, taxIncluded, s.settings.TaxRate())

	code, err := s.nextCode(ctx, domain.SeriesKindQuote)
	if err != nil {
		return domain.QuoteResponse{}, err
	}
	issued := s.now()
	saved, err := s.repo.CreateQuote(ctx, domain.Quote{
		Code:         code,
		ClientID:     trimmed(req.ClientID),
		WarehouseID:  req.WarehouseID,
		CreatedBy:    actorName(ctx),
		IssuedAt:     issued,
		ValidityDays: req.ValidityDays,
		ExpiresAt:    issued.AddDate(0, 0, req.ValidityDays),
		Items:        items,
		Subtotal:     totals.Subtotal,
		TaxRate:      totals.TaxRate,
		Tax:          totals.Tax,
		Total:        totals.Total,
		TaxIncluded:  taxIncluded,
		Status:       domain.QuoteStatusPending,
		Note:         trimmed(req.Note),
	})
	if err != nil {
		return domain.QuoteResponse{}, err
	}

	s.logAudit(ctx, "quote_create", "quote", saved.ID,
		zap.String("code", saved.Code),
		zap.String("total", saved.Total.StringFixed(2)),
		zap.Time("expires_at", saved.ExpiresAt))
	return domain.QuoteResponse{Quote: *saved}, nil
}

func (s *Service) GetQuote(ctx context.Context, quoteID string) (domain.QuoteResponse, error) {
	quote, err := s.repo.GetQuote(ctx, trimmed(quoteID))
	if err != nil {
		return domain.QuoteResponse{}, err
	}
	return domain.QuoteResponse{Quote: *quote}, nil
}

func (s *Service) ListQuotes(ctx context.Context, filter domain.QuoteFilter) (domain.QuoteListResponse, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.QuoteListResponse{}, invalid("unknown quote status %q", filter.Status)
	}
	quotes, err := s.repo.ListQuotes(ctx, filter)
	if err != nil {
		return domain.QuoteListResponse{}, err
	}
	if quotes == nil {
		quotes = []domain.Quote{}
	}
	return domain.QuoteListResponse{Quotes: quotes}, nil
}

// UpdateQuoteStatus applies a manual transition. Converted is reserved for
// ConvertQuoteToSale.
func (s *Service) UpdateQuoteStatus(ctx context.Context, quoteID string, req domain.QuoteStatusRequest) (domain.QuoteResponse, error) {
	quoteID = trimmed(quoteID)
	reason := trimmed(req.RejectionReason)
	if quoteID == "" {
		return domain.QuoteResponse{}, invalid("quote id is required")
	}
	if !req.Status.Valid() {
		return domain.QuoteResponse{}, invalid("unknown quote status %q", req.Status)
	}
	if req.Status == domain.QuoteStatusConverted {
		return domain.QuoteResponse{}, conflict("quotes become converted only through conversion")
	}
	if req.Status == domain.QuoteStatusRejected && reason == "" {
		return domain.QuoteResponse{}, invalid("a rejection reason is required")
	}

	var updated *domain.Quote
	err := s.withLock(ctx, lock.QuoteKey(quoteID), func() error {
		var err error
		updated, err = s.repo.UpdateQuoteStatus(ctx, quoteID, req.Status, reason, s.now())
		return err
	})
	if err != nil {
		return domain.QuoteResponse{}, err
	}

	s.logAudit(ctx, "quote_status", "quote", updated.ID, zap.String("status", string(updated.Status)))
	return domain.QuoteResponse{Quote: *updated}, nil
}

// ConvertQuoteToSale turns a pending or accepted quote into a pending sale.
// Every call counts as an attempt. A retry after a partial failure reuses
// the sale keyed by the quote instead of creating a second one.
func (s *Service) ConvertQuoteToSale(ctx context.Context, quoteID string, req domain.QuoteConvertRequest) (domain.QuoteConversionResponse, error) {
	quoteID = trimmed(quoteID)
	if quoteID == "" {
		return domain.QuoteConversionResponse{}, invalid("quote id is required")
	}

	var (
		sale  *domain.Sale
		quote *domain.Quote
	)
	err := s.withLock(ctx, lock.QuoteKey(quoteID), func() error {
		current, err := s.repo.IncrementQuoteAttempts(ctx, quoteID)
		if err != nil {
			return err
		}
		if !current.Status.Convertible() {
			return conflict("quote %s is %s", current.ID, current.Status)
		}
		now := s.now()
		if current.ExpiredAt(now) {
			if _, err := s.repo.UpdateQuoteStatus(ctx, current.ID, domain.QuoteStatusExpired, "", now); err != nil {
				s.log(ctx).Warn("mark overdue quote expired", zap.String("quote_id", current.ID), zap.Error(err))
			}
			return conflict("quote %s expired at %s", current.ID, current.ExpiresAt.Format("2006-01-02"))
		}

		draft, err := conversionDraft(*current, req)
		if err != nil {
			return err
		}
		if err := validateDraft(draft); err != nil {
			return err
		}

		pending, err := s.repo.FindSaleByIdempotency(ctx, draft.idempotencyKey)
		switch {
		case err == nil:
			if pending.QuoteID != current.ID {
				return conflict("idempotency key %s belongs to sale %s", draft.idempotencyKey, pending.ID)
			}
		case errors.Is(err, store.ErrNotFound):
			prepared, err := s.prepareSale(ctx, draft)
			if err != nil {
				return err
			}
			pending = &prepared
		default:
			return err
		}

		sale, quote, err = s.repo.ConvertQuote(ctx, current.ID, *pending, now)
		return err
	})
	if err != nil {
		return domain.QuoteConversionResponse{}, err
	}

	s.logAudit(ctx, "quote_convert", "quote", quote.ID,
		zap.String("sale_id", sale.ID),
		zap.String("sale_code", sale.Code),
		zap.Int("attempts", quote.ConversionAttempts))
	return domain.QuoteConversionResponse{Sale: *sale, Quote: *quote}, nil
}

func conversionDraft(quote domain.Quote, req domain.QuoteConvertRequest) (saleDraft, error) {
	reference := trimmed(req.PaymentReference)
	if !req.PaymentMethod.Valid() {
		return saleDraft{}, invalid("unsupported payment method %q", req.PaymentMethod)
	}
	if req.PaymentMethod.RequiresReference() && reference == "" {
		return saleDraft{}, invalid("%s payments require a reference", req.PaymentMethod)
	}

	items := make([]domain.SaleItemInput, 0, len(quote.Items))
	for _, item := range quote.Items {
		items = append(items, domain.SaleItemInput{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	var payments []domain.PaymentInput
	if quote.Total.IsPositive() {
		payments = []domain.PaymentInput{{Method: req.PaymentMethod, Amount: quote.Total, Reference: reference}}
	}
	return saleDraft{
		idempotencyKey: quoteIdempotencyKey(quote.ID),
		sessionID:      trimmed(req.SessionID),
		clientID:       quote.ClientID,
		warehouseID:    quote.WarehouseID,
		documentType:   req.DocumentType,
		items:          items,
		taxIncluded:    quote.TaxIncluded,
		taxRate:        quote.TaxRate,
		payments:       payments,
		note:           quote.Code,
	}, nil
}

// ExpireQuotes marks every pending or accepted quote past its expiry date.
func (s *Service) ExpireQuotes(ctx context.Context) (domain.QuoteExpiryResponse, error) {
	expired, err := s.repo.ExpireQuotes(ctx, s.now())
	if err != nil {
		return domain.QuoteExpiryResponse{}, err
	}
	if expired > 0 {
		s.logAudit(ctx, "quote_expire", "quote", "*", zap.Int("expired", expired))
	}
	return domain.QuoteExpiryResponse{Expired: expired}, nil
}
