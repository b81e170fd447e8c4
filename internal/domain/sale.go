package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DocumentType string

const (
	DocumentReceipt      DocumentType = "receipt"
	DocumentInvoice      DocumentType = "invoice"
	DocumentInternalNote DocumentType = "internal_note"
)

func (d DocumentType) Valid() bool {
	switch d {
	case DocumentReceipt, DocumentInvoice, DocumentInternalNote:
		return true
	default:
		return false
	}
}

// RequiresSession reports whether sales of this document type must belong
// to an open cash session. Internal notes are issued outside the register.
func (d DocumentType) RequiresSession() bool {
	return d != DocumentInternalNote
}

type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "pending"
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusCancelled SaleStatus = "cancelled"
)

var saleTransitions = map[SaleStatus][]SaleStatus{
	SaleStatusPending: {SaleStatusCompleted, SaleStatusCancelled},
}

func (s SaleStatus) CanTransitionTo(next SaleStatus) bool {
	for _, allowed := range saleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s SaleStatus) Valid() bool {
	switch s {
	case SaleStatusPending, SaleStatusCompleted, SaleStatusCancelled:
		return true
	default:
		return false
	}
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentYape     PaymentMethod = "yape"
	PaymentPlin     PaymentMethod = "plin"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentYape, PaymentPlin:
		return true
	default:
		return false
	}
}

func (m PaymentMethod) RequiresReference() bool {
	return m != PaymentCash
}

type SaleItem struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type Payment struct {
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	Note      string          `json:"note,omitempty"`
	Position  int             `json:"position"`
}

type Sale struct {
	ID               string           `json:"id"`
	Code             string           `json:"code"`
	IdempotencyKey   string           `json:"idempotency_key,omitempty"`
	ClientID         string           `json:"client_id,omitempty"`
	WarehouseID      string           `json:"warehouse_id"`
	SessionID        string           `json:"session_id,omitempty"`
	QuoteID          string           `json:"quote_id,omitempty"`
	DocumentType     DocumentType     `json:"document_type"`
	Items            []SaleItem       `json:"items"`
	Payments         []Payment        `json:"payments"`
	Subtotal         decimal.Decimal  `json:"subtotal"`
	TaxRate          decimal.Decimal  `json:"tax_rate"`
	Tax              decimal.Decimal  `json:"tax"`
	Total            decimal.Decimal  `json:"total"`
	Status           SaleStatus       `json:"status"`
	ReceivedAmount   *decimal.Decimal `json:"received_amount,omitempty"`
	ChangeAmount     *decimal.Decimal `json:"change_amount,omitempty"`
	PaymentReference string           `json:"payment_reference,omitempty"`
	PaidAt           *time.Time       `json:"paid_at,omitempty"`
	CancelReason     string           `json:"cancel_reason,omitempty"`
	CancelledAt      *time.Time       `json:"cancelled_at,omitempty"`
	Note             string           `json:"note,omitempty"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
}

// SaleConfirmation is the payment data written by the Pending to Completed
// transition.
type SaleConfirmation struct {
	Payments         []Payment
	ReceivedAmount   decimal.Decimal
	ChangeAmount     decimal.Decimal
	PaymentReference string
	PaidAt           time.Time
}

type SaleFilter struct {
	Status    SaleStatus
	SessionID string
	From      time.Time
	To        time.Time
	Limit     int
}

type SaleItemInput struct {
	ProductID   string          `json:"product_id" validate:"required"`
	ProductName string          `json:"product_name" validate:"required"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type PaymentInput struct {
	Method    PaymentMethod   `json:"method" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	Note      string          `json:"note,omitempty"`
}

type SaleCreateRequest struct {
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=120"`
	SessionID      string          `json:"session_id,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
	WarehouseID    string          `json:"warehouse_id" validate:"required"`
	DocumentType   DocumentType    `json:"document_type" validate:"required"`
	Items          []SaleItemInput `json:"items" validate:"required,dive"`
	TaxIncluded    *bool           `json:"tax_included,omitempty"`
	Payments       []PaymentInput  `json:"payments,omitempty" validate:"dive"`
	Note           string          `json:"note,omitempty" validate:"max=500"`
}

type SaleConfirmRequest struct {
	ReceivedAmount   decimal.Decimal  `json:"received_amount"`
	ChangeAmount     *decimal.Decimal `json:"change_amount,omitempty"`
	PaymentReference string           `json:"payment_reference,omitempty"`
	Payments         []PaymentInput   `json:"payments,omitempty" validate:"dive"`
}

type SaleCancelRequest struct {
	Reason     string `json:"reason" validate:"required,max=500"`
	ManagerPIN string `json:"manager_pin" validate:"required"`
}

type SaleResponse struct {
	Sale           Sale            `json:"sale"`
	CreditedTotal  decimal.Decimal `json:"credited_total"`
	EffectiveTotal decimal.Decimal `json:"effective_total"`
	Duplicate      bool            `json:"duplicate,omitempty"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}
