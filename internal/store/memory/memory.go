package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/reconcile"
	"cajaflow/backend/internal/store"
	"cajaflow/backend/internal/xid"
)

// Store keeps every aggregate behind one mutex, so each method is a single
// atomic step.
type Store struct {
	mu                  sync.RWMutex
	registersByID       map[string]domain.CashRegister
	sessionsByID        map[string]domain.CashSession
	openSessionByReg    map[string]string
	movementsByID       map[string]domain.CashMovement
	sequences           map[string]int64
	salesByID           map[string]*domain.Sale
	salesByIdem         map[string]string
	creditNotesByID     map[string]domain.CreditNote
	creditNotesBySaleID map[string][]string
	quotesByID          map[string]domain.Quote
}

func New() *Store {
	return &Store{
		registersByID:       make(map[string]domain.CashRegister),
		sessionsByID:        make(map[string]domain.CashSession),
		openSessionByReg:    make(map[string]string),
		movementsByID:       make(map[string]domain.CashMovement),
		sequences:           make(map[string]int64),
		salesByID:           make(map[string]*domain.Sale),
		salesByIdem:         make(map[string]string),
		creditNotesByID:     make(map[string]domain.CreditNote),
		creditNotesBySaleID: make(map[string][]string),
		quotesByID:          make(map[string]domain.Quote),
	}
}

// NewSeeded returns a store with the registers used in dev mode and tests.
func NewSeeded() *Store {
	s := New()
	for _, reg := range []domain.CashRegister{
		{ID: "REG-01", Name: "Caja principal", Active: true},
		{ID: "REG-02", Name: "Caja secundaria", Active: true},
		{ID: "REG-99", Name: "Caja retirada", Active: false},
	} {
		s.registersByID[reg.ID] = reg
	}
	return s
}

// PutRegister adds or replaces a register.
func (s *Store) PutRegister(reg domain.CashRegister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registersByID[reg.ID] = reg
}

func (s *Store) ListRegisters(_ context.Context) ([]domain.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashRegister, 0, len(s.registersByID))
	for _, reg := range s.registersByID {
		result = append(result, reg)
	}
	slices.SortFunc(result, func(a, b domain.CashRegister) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetRegister(_ context.Context, registerID string) (*domain.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.registersByID[registerID]
	if !ok {
		return nil, fmt.Errorf("%w: register %s", store.ErrNotFound, registerID)
	}
	return &reg, nil
}

func (s *Store) CreateSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.RegisterID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registersByID[session.RegisterID]; !ok {
		return nil, fmt.Errorf("%w: register %s", store.ErrNotFound, session.RegisterID)
	}
	if openID, exists := s.openSessionByReg[session.RegisterID]; exists {
		return nil, fmt.Errorf("%w: register %s already has open session %s", store.ErrConflict, session.RegisterID, openID)
	}
	if session.ID == "" {
		session.ID = xid.New("ses")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.RecordedSalesTotal = decimal.Zero
	session.ClosedAt = nil
	session.ClosingAmount = nil
	session.ExpectedAmount = nil
	session.Variance = nil

	s.sessionsByID[session.ID] = session
	s.openSessionByReg[session.RegisterID] = session.ID
	saved := session
	return &saved, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
	}
	return &session, nil
}

func (s *Store) GetOpenSessionByRegister(_ context.Context, registerID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.openSessionByReg[registerID]
	if !ok {
		return nil, fmt.Errorf("%w: no open session on register %s", store.ErrNotFound, registerID)
	}
	session := s.sessionsByID[sessionID]
	return &session, nil
}

func (s *Store) CloseSession(_ context.Context, sessionID string, closing domain.SessionClosing) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
	}
	if !session.IsOpen() {
		return nil, fmt.Errorf("%w: session %s is already closed", store.ErrConflict, sessionID)
	}

	result := reconcile.Close(reconcile.ForSession(session, s.movementsOfLocked(sessionID)), closing.CountedAmount)
	closedAt := closing.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusClosed
	session.ClosedBy = closing.ClosedBy
	session.ClosedAt = &closedAt
	session.ClosingNote = closing.Note
	session.ClosingAmount = &result.Counted
	session.ExpectedAmount = &result.Expected
	session.Variance = &result.Variance

	s.sessionsByID[sessionID] = session
	delete(s.openSessionByReg, session.RegisterID)
	saved := session
	return &saved, nil
}

func (s *Store) ListClosedSessions(_ context.Context, filter domain.ClosedSessionFilter) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashSession, 0, 32)
	for _, session := range s.sessionsByID {
		if session.IsOpen() || session.ClosedAt == nil {
			continue
		}
		if !filter.From.IsZero() && session.ClosedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !session.ClosedAt.Before(filter.To) {
			continue
		}
		if filter.UserID != "" && session.OpenedBy != filter.UserID && session.ClosedBy != filter.UserID {
			continue
		}
		result = append(result, session)
	}
	slices.SortFunc(result, func(a, b domain.CashSession) int {
		return b.ClosedAt.Compare(*a.ClosedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) CreateMovement(_ context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertMovementLocked(&movement); err != nil {
		return nil, err
	}
	saved := movement
	return &saved, nil
}

func (s *Store) GetMovement(_ context.Context, movementID string) (*domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movement, ok := s.movementsByID[movementID]
	if !ok {
		return nil, fmt.Errorf("%w: movement %s", store.ErrNotFound, movementID)
	}
	return &movement, nil
}

func (s *Store) DeleteMovement(_ context.Context, movementID string) (*domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	movement, ok := s.movementsByID[movementID]
	if !ok {
		return nil, fmt.Errorf("%w: movement %s", store.ErrNotFound, movementID)
	}
	session, ok := s.sessionsByID[movement.SessionID]
	if !ok || !session.IsOpen() {
		return nil, fmt.Errorf("%w: session %s is closed", store.ErrConflict, movement.SessionID)
	}
	for _, note := range s.creditNotesByID {
		if note.MovementID == movementID {
			return nil, fmt.Errorf("%w: movement %s backs a credit note refund", store.ErrConflict, movementID)
		}
	}
	delete(s.movementsByID, movementID)
	return &movement, nil
}

func (s *Store) ListMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
	}
	return s.movementsOfLocked(sessionID), nil
}

func (s *Store) NextSequence(_ context.Context, series string) (int64, error) {
	if strings.TrimSpace(series) == "" {
		return 0, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences[series]++
	return s.sequences[series], nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertSaleLocked(&sale); err != nil {
		return nil, err
	}
	return cloneSale(&sale), nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleID, ok := s.salesByIdem[key]
	if !ok || key == "" {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[saleID]), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.SessionID != "" && sale.SessionID != filter.SessionID {
			continue
		}
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !sale.CreatedAt.Before(filter.To) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ConfirmSale(_ context.Context, saleID string, confirmation domain.SaleConfirmation) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	if !sale.Status.CanTransitionTo(domain.SaleStatusCompleted) {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrConflict, saleID, sale.Status)
	}
	if sale.SessionID != "" {
		if err := s.recordSaleTotalLocked(sale.SessionID, sale.Total); err != nil {
			return nil, err
		}
	}

	paidAt := confirmation.PaidAt
	received := confirmation.ReceivedAmount
	change := confirmation.ChangeAmount
	sale.Status = domain.SaleStatusCompleted
	sale.Payments = slices.Clone(confirmation.Payments)
	sale.ReceivedAmount = &received
	sale.ChangeAmount = &change
	sale.PaymentReference = confirmation.PaymentReference
	sale.PaidAt = &paidAt
	return cloneSale(sale), nil
}

func (s *Store) CancelSale(_ context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	if !sale.Status.CanTransitionTo(domain.SaleStatusCancelled) {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrConflict, saleID, sale.Status)
	}
	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	sale.CancelledAt = &at
	return cloneSale(sale), nil
}

func (s *Store) CreateCreditNote(_ context.Context, note domain.CreditNote, refund *domain.CashMovement) (*domain.CreditNote, error) {
	if len(note.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[note.SaleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, note.SaleID)
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrConflict, sale.ID, sale.Status)
	}

	returned := s.returnedQuantitiesLocked(sale.ID)
	original := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		original[item.ID] = item.Quantity
	}
	for _, item := range note.Items {
		orig, exists := original[item.SaleItemID]
		if !exists {
			return nil, fmt.Errorf("%w: item %s does not belong to sale %s", store.ErrInvalidInput, item.SaleItemID, sale.ID)
		}
		if item.Quantity > orig-returned[item.SaleItemID] {
			return nil, fmt.Errorf("%w: item %s has %d returnable units", store.ErrInvalidInput, item.SaleItemID, orig-returned[item.SaleItemID])
		}
		returned[item.SaleItemID] += item.Quantity
	}

	if refund != nil {
		movement := *refund
		if err := s.insertMovementLocked(&movement); err != nil {
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
	s.creditNotesByID[note.ID] = cloneCreditNote(note)
	s.creditNotesBySaleID[note.SaleID] = append(s.creditNotesBySaleID[note.SaleID], note.ID)
	saved := cloneCreditNote(note)
	return &saved, nil
}

func (s *Store) GetCreditNote(_ context.Context, creditNoteID string) (*domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, ok := s.creditNotesByID[creditNoteID]
	if !ok {
		return nil, fmt.Errorf("%w: credit note %s", store.ErrNotFound, creditNoteID)
	}
	dup := cloneCreditNote(note)
	return &dup, nil
}

func (s *Store) ListCreditNotes(_ context.Context, saleID string) ([]domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.creditNotesBySaleID[saleID]
	result := make([]domain.CreditNote, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneCreditNote(s.creditNotesByID[id]))
	}
	slices.SortStableFunc(result, func(a, b domain.CreditNote) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *Store) GetReturnedQuantities(_ context.Context, saleID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.returnedQuantitiesLocked(saleID), nil
}

func (s *Store) UpdateCreditNoteStatus(_ context.Context, creditNoteID string, status domain.CreditNoteStatus, at time.Time) (*domain.CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.creditNotesByID[creditNoteID]
	if !ok {
		return nil, fmt.Errorf("%w: credit note %s", store.ErrNotFound, creditNoteID)
	}
	if !note.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: credit note %s cannot move from %s to %s", store.ErrConflict, creditNoteID, note.Status, status)
	}
	note.Status = status
	note.UpdatedAt = &at
	s.creditNotesByID[creditNoteID] = note
	dup := cloneCreditNote(note)
	return &dup, nil
}

func (s *Store) CreateQuote(_ context.Context, quote domain.Quote) (*domain.Quote, error) {
	if len(quote.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if quote.ID == "" {
		quote.ID = xid.New("quo")
	}
	if quote.SaleIDs == nil {
		quote.SaleIDs = []string{}
	}
	s.quotesByID[quote.ID] = cloneQuote(quote)
	saved := cloneQuote(quote)
	return &saved, nil
}

func (s *Store) GetQuote(_ context.Context, quoteID string) (*domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quote, ok := s.quotesByID[quoteID]
	if !ok {
		return nil, fmt.Errorf("%w: quote %s", store.ErrNotFound, quoteID)
	}
	dup := cloneQuote(quote)
	return &dup, nil
}

func (s *Store) ListQuotes(_ context.Context, filter domain.QuoteFilter) ([]domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Quote, 0, len(s.quotesByID))
	for _, quote := range s.quotesByID {
		if filter.Status != "" && quote.Status != filter.Status {
			continue
		}
		result = append(result, cloneQuote(quote))
	}
	slices.SortFunc(result, func(a, b domain.Quote) int {
		if c := b.IssuedAt.Compare(a.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) UpdateQuoteStatus(_ context.Context, quoteID string, status domain.QuoteStatus, rejectionReason string, at time.Time) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quote, ok := s.quotesByID[quoteID]
	if !ok {
		return nil, fmt.Errorf("%w: quote %s", store.ErrNotFound, quoteID)
	}
	if !quote.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: quote %s cannot move from %s to %s", store.ErrConflict, quoteID, quote.Status, status)
	}
	quote.Status = status
	if status == domain.QuoteStatusRejected {
		quote.RejectionReason = rejectionReason
	}
	quote.UpdatedAt = &at
	s.quotesByID[quoteID] = quote
	dup := cloneQuote(quote)
	return &dup, nil
}

func (s *Store) IncrementQuoteAttempts(_ context.Context, quoteID string) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quote, ok := s.quotesByID[quoteID]
	if !ok {
		return nil, fmt.Errorf("%w: quote %s", store.ErrNotFound, quoteID)
	}
	quote.ConversionAttempts++
	s.quotesByID[quoteID] = quote
	dup := cloneQuote(quote)
	return &dup, nil
}

func (s *Store) ConvertQuote(_ context.Context, quoteID string, sale domain.Sale, at time.Time) (*domain.Sale, *domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quote, ok := s.quotesByID[quoteID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: quote %s", store.ErrNotFound, quoteID)
	}
	if !quote.Status.Convertible() {
		return nil, nil, fmt.Errorf("%w: quote %s is %s", store.ErrConflict, quoteID, quote.Status)
	}

	var saved *domain.Sale
	if existingID, dup := s.salesByIdem[sale.IdempotencyKey]; dup && sale.IdempotencyKey != "" {
		saved = s.salesByID[existingID]
		if saved.QuoteID != quoteID {
			return nil, nil, fmt.Errorf("%w: idempotency key %s belongs to sale %s", store.ErrConflict, sale.IdempotencyKey, existingID)
		}
	} else {
		sale.QuoteID = quoteID
		if err := s.insertSaleLocked(&sale); err != nil {
			return nil, nil, err
		}
		saved = &sale
	}

	quote.Status = domain.QuoteStatusConverted
	quote.SaleIDs = append(slices.Clone(quote.SaleIDs), saved.ID)
	quote.UpdatedAt = &at
	s.quotesByID[quoteID] = quote
	dupQuote := cloneQuote(quote)
	return cloneSale(s.salesByID[saved.ID]), &dupQuote, nil
}

func (s *Store) ExpireQuotes(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for id, quote := range s.quotesByID {
		if !quote.Status.CanTransitionTo(domain.QuoteStatusExpired) || !quote.ExpiredAt(now) {
			continue
		}
		at := now
		quote.Status = domain.QuoteStatusExpired
		quote.UpdatedAt = &at
		s.quotesByID[id] = quote
		expired++
	}
	return expired, nil
}

func (s *Store) insertMovementLocked(movement *domain.CashMovement) error {
	session, ok := s.sessionsByID[movement.SessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", store.ErrNotFound, movement.SessionID)
	}
	if !session.IsOpen() {
		return fmt.Errorf("%w: session %s is closed", store.ErrConflict, movement.SessionID)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movementsByID[movement.ID] = *movement
	return nil
}

func (s *Store) insertSaleLocked(sale *domain.Sale) error {
	if sale.IdempotencyKey != "" {
		if _, dup := s.salesByIdem[sale.IdempotencyKey]; dup {
			return fmt.Errorf("%w: idempotency key %s already used", store.ErrConflict, sale.IdempotencyKey)
		}
	}
	if sale.SessionID != "" {
		session, ok := s.sessionsByID[sale.SessionID]
		if !ok {
			return fmt.Errorf("%w: session %s", store.ErrNotFound, sale.SessionID)
		}
		if !session.IsOpen() {
			return fmt.Errorf("%w: session %s is closed", store.ErrConflict, sale.SessionID)
		}
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	for i := range sale.Items {
		if sale.Items[i].ID == "" {
			sale.Items[i].ID = xid.New("si")
		}
	}
	sale.Status = domain.SaleStatusPending
	s.salesByID[sale.ID] = cloneSale(sale)
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	return nil
}

// recordSaleTotalLocked adds a completed sale to its session. A closed
// session here means a sale outlived its register period.
func (s *Store) recordSaleTotalLocked(sessionID string, amount decimal.Decimal) error {
	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s referenced by sale is missing", store.ErrConsistency, sessionID)
	}
	if !session.IsOpen() {
		return fmt.Errorf("%w: session %s closed before sale completion", store.ErrConsistency, sessionID)
	}
	session.RecordedSalesTotal = session.RecordedSalesTotal.Add(amount)
	s.sessionsByID[sessionID] = session
	return nil
}

func (s *Store) movementsOfLocked(sessionID string) []domain.CashMovement {
	result := make([]domain.CashMovement, 0, 16)
	for _, m := range s.movementsByID {
		if m.SessionID == sessionID {
			result = append(result, m)
		}
	}
	slices.SortFunc(result, func(a, b domain.CashMovement) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return result
}

func (s *Store) returnedQuantitiesLocked(saleID string) map[string]int {
	result := make(map[string]int)
	for _, id := range s.creditNotesBySaleID[saleID] {
		note := s.creditNotesByID[id]
		if !note.Status.Counts() {
			continue
		}
		for _, item := range note.Items {
			result[item.SaleItemID] += item.Quantity
		}
	}
	return result
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Payments = slices.Clone(src.Payments)
	if dup.Payments == nil {
		dup.Payments = []domain.Payment{}
	}
	return &dup
}

func cloneCreditNote(src domain.CreditNote) domain.CreditNote {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}

func cloneQuote(src domain.Quote) domain.Quote {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.SaleIDs = slices.Clone(src.SaleIDs)
	if dup.SaleIDs == nil {
		dup.SaleIDs = []string{}
	}
	return dup
}
