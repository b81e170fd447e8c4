package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreditNoteReason string

const (
	CreditNoteFullReturn    CreditNoteReason = "full_return"
	CreditNotePartialReturn CreditNoteReason = "partial_return"
)

func (r CreditNoteReason) Valid() bool {
	return r == CreditNoteFullReturn || r == CreditNotePartialReturn
}

type RefundMethod string

const (
	RefundCash     RefundMethod = "cash"
	RefundTransfer RefundMethod = "transfer"
	RefundVoucher  RefundMethod = "voucher"
)

func (m RefundMethod) Valid() bool {
	switch m {
	case RefundCash, RefundTransfer, RefundVoucher:
		return true
	default:
		return false
	}
}

type CreditNoteStatus string

const (
	CreditNoteStatusPending            CreditNoteStatus = "pending"
	CreditNoteStatusRefunded           CreditNoteStatus = "refunded"
	CreditNoteStatusPendingBankPayment CreditNoteStatus = "pending_bank_payment"
	CreditNoteStatusApplied            CreditNoteStatus = "applied"
	CreditNoteStatusCancelled          CreditNoteStatus = "cancelled"
)

var creditNoteTransitions = map[CreditNoteStatus][]CreditNoteStatus{
	CreditNoteStatusPending: {
		CreditNoteStatusRefunded,
		CreditNoteStatusPendingBankPayment,
		CreditNoteStatusApplied,
		CreditNoteStatusCancelled,
	},
}

func (s CreditNoteStatus) CanTransitionTo(next CreditNoteStatus) bool {
	for _, allowed := range creditNoteTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s CreditNoteStatus) Valid() bool {
	switch s {
	case CreditNoteStatusPending, CreditNoteStatusRefunded, CreditNoteStatusPendingBankPayment,
		CreditNoteStatusApplied, CreditNoteStatusCancelled:
		return true
	default:
		return false
	}
}

// Counts reports whether the note reduces the sale's collected amount and
// consumes return quantity.
func (s CreditNoteStatus) Counts() bool {
	return s != CreditNoteStatusCancelled
}

type CreditNoteItem struct {
	ID          string          `json:"id"`
	SaleItemID  string          `json:"sale_item_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type CreditNote struct {
	ID           string           `json:"id"`
	Code         string           `json:"code"`
	SaleID       string           `json:"sale_id"`
	Reason       CreditNoteReason `json:"reason"`
	Description  string           `json:"description,omitempty"`
	Items        []CreditNoteItem `json:"items"`
	Subtotal     decimal.Decimal  `json:"subtotal"`
	Tax          decimal.Decimal  `json:"tax"`
	Total        decimal.Decimal  `json:"total"`
	RefundMethod RefundMethod     `json:"refund_method"`
	Status       CreditNoteStatus `json:"status"`
	SessionID    string           `json:"session_id,omitempty"`
	MovementID   string           `json:"movement_id,omitempty"`
	CreatedBy    string           `json:"created_by"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    *time.Time       `json:"updated_at,omitempty"`
}

type CreditNoteItemInput struct {
	SaleItemID string `json:"sale_item_id" validate:"required"`
	Quantity   int    `json:"quantity"`
}

type CreditNoteCreateRequest struct {
	Reason       CreditNoteReason      `json:"reason" validate:"required"`
	Description  string                `json:"description,omitempty" validate:"max=500"`
	Items        []CreditNoteItemInput `json:"items,omitempty" validate:"dive"`
	RefundMethod RefundMethod          `json:"refund_method" validate:"required"`
	SessionID    string                `json:"session_id,omitempty"`
	ManagerPIN   string                `json:"manager_pin" validate:"required"`
}

type CreditNoteStatusRequest struct {
	Status CreditNoteStatus `json:"status" validate:"required"`
}

type CreditNoteResponse struct {
	CreditNote CreditNote `json:"credit_note"`
}

type CreditNoteListResponse struct {
	CreditNotes []CreditNote `json:"credit_notes"`
}
