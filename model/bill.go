package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payor types a bill can be raised against.
const (
	PayorTypeMember   = "MEMBER"
	PayorTypeEmployer = "EMPLOYER"
	PayorTypeClinic   = "CLINIC"
)

// Payment methods recorded on a bill.
const (
	PaymentMethodGateway = "PAYMENT_GATEWAY"
	PaymentMethodOffline = "OFFLINE"
)

// Bill statuses. A bill starts in NEW and is only ever mutated by the
// orchestrator through the state machine.
const (
	StatusNew        = "NEW"
	StatusProcessing = "PROCESSING"
	StatusPaid       = "PAID"
	StatusFailed     = "FAILED"
	StatusRefunded   = "REFUNDED"
	StatusCancelled  = "CANCELLED"
)

// Bill is a single monetary obligation owed by or to a payor for a treatment
// procedure. Amount and LastCalculatedFee are signed minor currency units and
// always carry the same sign; a negative amount is a refund/credit direction.
type Bill struct {
	ID                           int64                  `json:"-"`
	UUID                         string                 `json:"id"`
	PayorType                    string                 `json:"payor_type"`
	PayorID                      string                 `json:"payor_id"`
	ProcedureID                  string                 `json:"procedure_id"`
	CostBreakdownID              string                 `json:"cost_breakdown_id"`
	Amount                       int64                  `json:"amount"`
	LastCalculatedFee            int64                  `json:"last_calculated_fee"`
	PaymentMethod                string                 `json:"payment_method"`
	PaymentMethodType            string                 `json:"payment_method_type"`
	PaymentMethodID              string                 `json:"payment_method_id"`
	PaymentMethodLabel           string                 `json:"payment_method_label"`
	CardFunding                  string                 `json:"card_funding,omitempty"`
	Status                       string                 `json:"status"`
	ErrorType                    string                 `json:"error_type,omitempty"`
	IsEphemeral                  bool                   `json:"is_ephemeral"`
	Version                      int64                  `json:"-"`
	ProcessingScheduledAtOrAfter time.Time              `json:"processing_scheduled_at_or_after"`
	ProcessingAt                 *time.Time             `json:"processing_at,omitempty"`
	PaidAt                       *time.Time             `json:"paid_at,omitempty"`
	FailedAt                     *time.Time             `json:"failed_at,omitempty"`
	RefundedAt                   *time.Time             `json:"refunded_at,omitempty"`
	CancelledAt                  *time.Time             `json:"cancelled_at,omitempty"`
	CreatedAt                    time.Time              `json:"created_at"`
	ModifiedAt                   time.Time              `json:"modified_at"`
	MetaData                     map[string]interface{} `json:"meta_data,omitempty"`
}

func (bill *Bill) ToJSON() ([]byte, error) {
	return json.Marshal(bill)
}

// IsRefundDirection reports whether the bill moves money back towards the
// payor (refund or reverse transfer).
func (bill *Bill) IsRefundDirection() bool {
	return bill.Amount < 0
}

// GrossAmount is the absolute amount plus the absolute fee, which is the
// figure the payment gateway charges or refunds for this bill.
func (bill *Bill) GrossAmount() int64 {
	return absInt64(bill.Amount) + absInt64(bill.LastCalculatedFee)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// BillUpdate describes a partial change to a bill. Nil fields are left
// untouched. Status changes do not belong here; they go through the state
// machine so timestamps and error types stay consistent.
type BillUpdate struct {
	Amount                       *int64
	LastCalculatedFee            *int64
	PaymentMethodType            *string
	PaymentMethodID              *string
	PaymentMethodLabel           *string
	CardFunding                  *string
	IsEphemeral                  *bool
	ProcessingScheduledAtOrAfter *time.Time
}

// UpdateBill produces a new bill value with the changes applied. The input
// bill is never mutated; callers hand the result to the datasource, which
// replaces the stored row under an optimistic version check.
func UpdateBill(bill *Bill, update BillUpdate) *Bill {
	next := *bill
	if update.Amount != nil {
		next.Amount = *update.Amount
	}
	if update.LastCalculatedFee != nil {
		next.LastCalculatedFee = *update.LastCalculatedFee
	}
	if update.PaymentMethodType != nil {
		next.PaymentMethodType = *update.PaymentMethodType
	}
	if update.PaymentMethodID != nil {
		next.PaymentMethodID = *update.PaymentMethodID
	}
	if update.PaymentMethodLabel != nil {
		next.PaymentMethodLabel = *update.PaymentMethodLabel
	}
	if update.CardFunding != nil {
		next.CardFunding = *update.CardFunding
	}
	if update.IsEphemeral != nil {
		next.IsEphemeral = *update.IsEphemeral
	}
	if update.ProcessingScheduledAtOrAfter != nil {
		next.ProcessingScheduledAtOrAfter = *update.ProcessingScheduledAtOrAfter
	}
	next.ModifiedAt = time.Now()
	return &next
}

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// e.g bill_0aa7aa4a-70a9-4041-a61b-1a5385e8b9b4
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}
