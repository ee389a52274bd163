package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment lifecycle statuses. "initiated" only exists before the
// processor call; it is never persisted. The other values are stored
// verbatim as the processor reports them.
const (
	StatusInitiated       = "initiated"
	StatusRequiresCapture = "requires_capture"
	StatusSucceeded       = "succeeded"
	StatusCanceled        = "canceled"
	StatusRefunded        = "refunded"
)

const (
	ServiceTypeLawyer = "lawyer-consultation"
	ServiceTypeExpat  = "expat-consultation"

	ProviderRoleLawyer = "lawyer"
	ProviderRoleExpat  = "expat"
)

const (
	ModeLive = "live"
	ModeTest = "test"
)

// PaymentRequest is the caller's input for creating a consultation
// payment. Amounts are in major currency units (e.g. 49.00 EUR).
type PaymentRequest struct {
	Amount           float64           `json:"amount"`
	Currency         string            `json:"currency"`
	ClientID         string            `json:"client_id"`
	ProviderID       string            `json:"provider_id"`
	ServiceType      string            `json:"service_type"`
	ProviderRole     string            `json:"provider_role"`
	ConnectionFee    *float64          `json:"connection_fee,omitempty"`
	CommissionAmount *float64          `json:"commission_amount,omitempty"` // legacy alias for connection_fee
	ProviderAmount   float64           `json:"provider_amount"`
	CallSessionID    string            `json:"call_session_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NormalizedRequest is the validator's output. The cent values are the
// single point where major units become minor units; no other component
// re-derives them.
type NormalizedRequest struct {
	Amount              float64
	AmountCents         int64
	Currency            string
	ClientID            string
	ProviderID          string
	ServiceType         string
	ProviderRole        string
	ConnectionFee       float64
	ConnectionFeeCents  int64
	ProviderAmount      float64
	ProviderAmountCents int64
	CallSessionID       string
	Metadata            map[string]string
}

// PaymentRecord is the authoritative transaction document in the
// payments collection, keyed by the processor's intent id. Cent fields
// are the source of truth; the decimal fields are denormalized at write
// time for reporting and never recomputed on read.
type PaymentRecord struct {
	ID                  string            `bson:"_id" json:"id"`
	ClientID            string            `bson:"client_id" json:"client_id"`
	ProviderID          string            `bson:"provider_id" json:"provider_id"`
	AmountCents         int64             `bson:"amount_cents" json:"amount_cents"`
	Amount              float64           `bson:"amount" json:"amount"`
	ConnectionFeeCents  int64             `bson:"connection_fee_cents" json:"connection_fee_cents"`
	ConnectionFee       float64           `bson:"connection_fee" json:"connection_fee"`
	ProviderAmountCents int64             `bson:"provider_amount_cents" json:"provider_amount_cents"`
	ProviderAmount      float64           `bson:"provider_amount" json:"provider_amount"`
	Currency            string            `bson:"currency" json:"currency"`
	ServiceType         string            `bson:"service_type" json:"service_type"`
	ProviderRole        string            `bson:"provider_role" json:"provider_role"`
	Status              string            `bson:"status" json:"status"`
	ClientSecret        string            `bson:"client_secret" json:"client_secret,omitempty"`
	CallSessionID       string            `bson:"call_session_id,omitempty" json:"call_session_id,omitempty"`
	Metadata            map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Mode                string            `bson:"mode" json:"mode"`
	Environment         string            `bson:"environment" json:"environment"`
	CreatedAt           time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time         `bson:"updated_at" json:"updated_at"`
	CapturedAt          *time.Time        `bson:"captured_at,omitempty" json:"captured_at,omitempty"`
	CanceledAt          *time.Time        `bson:"canceled_at,omitempty" json:"canceled_at,omitempty"`
	RefundedAt          *time.Time        `bson:"refunded_at,omitempty" json:"refunded_at,omitempty"`
	RefundID            string            `bson:"refund_id,omitempty" json:"refund_id,omitempty"`
	RefundReason        string            `bson:"refund_reason,omitempty" json:"refund_reason,omitempty"`
	CancelReason        string            `bson:"cancel_reason,omitempty" json:"cancel_reason,omitempty"`
}

// PaymentResult is the uniform outcome of every orchestrator operation.
// Operations never surface raw errors to callers; failures arrive here
// as a message.
type PaymentResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
}

// StatisticsFilter narrows the statistics rollup. Zero values mean no
// constraint.
type StatisticsFilter struct {
	StartDate    *time.Time
	EndDate      *time.Time
	ServiceType  string
	ProviderRole string
}

// PaymentStatistics is a read-only rollup over persisted records.
// Monetary totals are in major units.
type PaymentStatistics struct {
	TotalAmount         float64          `json:"total_amount"`
	TotalFee            float64          `json:"total_fee"`
	TotalProviderPayout float64          `json:"total_provider_payout"`
	Count               int64            `json:"count"`
	ByStatus            map[string]int64 `json:"by_status"`
}

// EmptyStatistics is the zeroed rollup returned when the read path
// degrades.
func EmptyStatistics() *PaymentStatistics {
	return &PaymentStatistics{ByStatus: map[string]int64{}}
}

// CentsToMajor converts an authoritative minor-unit amount to major
// units for reporting.
func CentsToMajor(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}

func ValidServiceType(s string) bool {
	return s == ServiceTypeLawyer || s == ServiceTypeExpat
}

func ValidProviderRole(r string) bool {
	return r == ProviderRoleLawyer || r == ProviderRoleExpat
}

func ValidCurrency(c string) bool {
	return c == "eur" || c == "usd"
}
