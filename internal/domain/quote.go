package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type QuoteStatus string

const (
	QuoteStatusPending   QuoteStatus = "pending"
	QuoteStatusAccepted  QuoteStatus = "accepted"
	QuoteStatusConverted QuoteStatus = "converted"
	QuoteStatusRejected  QuoteStatus = "rejected"
	QuoteStatusExpired   QuoteStatus = "expired"
	QuoteStatusCancelled QuoteStatus = "cancelled"
)

// Converted is reachable only through conversion, never through a plain
// status update.
var quoteTransitions = map[QuoteStatus][]QuoteStatus{
	QuoteStatusPending: {
		QuoteStatusAccepted,
		QuoteStatusRejected,
		QuoteStatusExpired,
		QuoteStatusCancelled,
		QuoteStatusConverted,
	},
	QuoteStatusAccepted: {
		QuoteStatusRejected,
		QuoteStatusExpired,
		QuoteStatusCancelled,
		QuoteStatusConverted,
	},
}

func (s QuoteStatus) CanTransitionTo(next QuoteStatus) bool {
	for _, allowed := range quoteTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s QuoteStatus) Convertible() bool {
	return s.CanTransitionTo(QuoteStatusConverted)
}

func (s QuoteStatus) Terminal() bool {
	return len(quoteTransitions[s]) == 0
}

func (s QuoteStatus) Valid() bool {
	switch s {
	case QuoteStatusPending, QuoteStatusAccepted, QuoteStatusConverted,
		QuoteStatusRejected, QuoteStatusExpired, QuoteStatusCancelled:
		return true
	default:
		return false
	}
}

type QuoteItem struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type Quote struct {
	ID                 string          `json:"id"`
	Code               string          `json:"code"`
	ClientID           string          `json:"client_id,omitempty"`
	WarehouseID        string          `json:"warehouse_id"`
	CreatedBy          string          `json:"created_by"`
	IssuedAt           time.Time       `json:"issued_at"`
	ValidityDays       int             `json:"validity_days"`
	ExpiresAt          time.Time       `json:"expires_at"`
	Items              []QuoteItem     `json:"items"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	TaxRate            decimal.Decimal `json:"tax_rate"`
	Tax                decimal.Decimal `json:"tax"`
	Total              decimal.Decimal `json:"total"`
	TaxIncluded        bool            `json:"tax_included"`
	Status             QuoteStatus     `json:"status"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	ConversionAttempts int             `json:"conversion_attempts"`
	SaleIDs            []string        `json:"sale_ids"`
	Note               string          `json:"note,omitempty"`
	UpdatedAt          *time.Time      `json:"updated_at,omitempty"`
}

func (q Quote) ExpiredAt(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

type QuoteFilter struct {
	Status QuoteStatus
	Limit  int
}

type QuoteCreateRequest struct {
	ClientID     string          `json:"client_id,omitempty"`
	WarehouseID  string          `json:"warehouse_id" validate:"required"`
	Items        []SaleItemInput `json:"items" validate:"required,dive"`
	ValidityDays int             `json:"validity_days"`
	TaxIncluded  *bool           `json:"tax_included,omitempty"`
	Note         string          `json:"note,omitempty" validate:"max=500"`
}

type QuoteStatusRequest struct {
	Status          QuoteStatus `json:"status" validate:"required"`
	RejectionReason string      `json:"rejection_reason,omitempty" validate:"max=500"`
}

type QuoteConvertRequest struct {
	SessionID        string        `json:"session_id,omitempty"`
	PaymentMethod    PaymentMethod `json:"payment_method" validate:"required"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	DocumentType     DocumentType  `json:"document_type" validate:"required"`
}

type QuoteResponse struct {
	Quote Quote `json:"quote"`
}

type QuoteListResponse struct {
	Quotes []Quote `json:"quotes"`
}

type QuoteConversionResponse struct {
	Sale  Sale  `json:"sale"`
	Quote Quote `json:"quote"`
}

type QuoteExpiryResponse struct {
	Expired int `json:"expired"`
}
