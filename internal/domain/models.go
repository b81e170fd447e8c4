package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type CashRegister struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusClosed SessionStatus = "closed"
)

type CashSession struct {
	ID                 string           `json:"id"`
	RegisterID         string           `json:"register_id"`
	OpenedBy           string           `json:"opened_by"`
	OpenedAt           time.Time        `json:"opened_at"`
	OpeningAmount      decimal.Decimal  `json:"opening_amount"`
	OpeningNote        string           `json:"opening_note,omitempty"`
	RecordedSalesTotal decimal.Decimal  `json:"recorded_sales_total"`
	Status             SessionStatus    `json:"status"`
	ClosedBy           string           `json:"closed_by,omitempty"`
	ClosedAt           *time.Time       `json:"closed_at,omitempty"`
	ClosingAmount      *decimal.Decimal `json:"closing_amount,omitempty"`
	ExpectedAmount     *decimal.Decimal `json:"expected_amount,omitempty"`
	Variance           *decimal.Decimal `json:"variance,omitempty"`
	ClosingNote        string           `json:"closing_note,omitempty"`
}

func (s CashSession) IsOpen() bool {
	return s.Status == SessionStatusOpen
}

// SessionClosing carries the cashier's count into the close transaction.
type SessionClosing struct {
	CountedAmount decimal.Decimal
	Note          string
	ClosedBy      string
	ClosedAt      time.Time
}

type MovementDirection string

const (
	MovementIn  MovementDirection = "in"
	MovementOut MovementDirection = "out"
)

func (d MovementDirection) Valid() bool {
	return d == MovementIn || d == MovementOut
}

const MovementReasonCreditNoteRefund = "credit_note_refund"

type CashMovement struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Direction MovementDirection `json:"direction"`
	Amount    decimal.Decimal   `json:"amount"`
	Reason    string            `json:"reason"`
	Note      string            `json:"note,omitempty"`
	CreatedBy string            `json:"created_by"`
	CreatedAt time.Time         `json:"created_at"`
}

type SessionSummary struct {
	SessionID          string           `json:"session_id"`
	RegisterID         string           `json:"register_id"`
	Status             SessionStatus    `json:"status"`
	Opening            decimal.Decimal  `json:"opening"`
	RecordedSalesTotal decimal.Decimal  `json:"recorded_sales_total"`
	TotalIn            decimal.Decimal  `json:"total_in"`
	TotalOut           decimal.Decimal  `json:"total_out"`
	Expected           decimal.Decimal  `json:"expected"`
	Counted            *decimal.Decimal `json:"counted,omitempty"`
	Variance           *decimal.Decimal `json:"variance,omitempty"`
	Movements          []CashMovement   `json:"movements"`
}

type SessionOpenRequest struct {
	RegisterID    string          `json:"register_id" validate:"required"`
	OpeningAmount decimal.Decimal `json:"opening_amount"`
	Note          string          `json:"note,omitempty" validate:"max=500"`
}

type SessionCloseRequest struct {
	CountedAmount decimal.Decimal `json:"counted_amount"`
	Note          string          `json:"note,omitempty" validate:"max=500"`
}

type SessionResponse struct {
	Session CashSession `json:"session"`
}

type ClosedSessionFilter struct {
	From   time.Time
	To     time.Time
	UserID string
	Limit  int
}

type MovementCreateRequest struct {
	Direction MovementDirection `json:"direction" validate:"required,oneof=in out"`
	Amount    decimal.Decimal   `json:"amount"`
	Reason    string            `json:"reason" validate:"required,max=120"`
	Note      string            `json:"note,omitempty" validate:"max=500"`
}

type MovementDeleteResponse struct {
	Deleted CashMovement   `json:"deleted"`
	Summary SessionSummary `json:"summary"`
}

// Numbering series kinds for documents that are not sales. Sales use their
// DocumentType as the kind.
const (
	SeriesKindCreditNote = "credit_note"
	SeriesKindQuote      = "quote"
)
