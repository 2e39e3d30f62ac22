package model

import (
	"encoding/json"
	"time"
)

// Processing record types. Free-form tags, but these cover every write the
// orchestrator makes.
const (
	RecordTypeGatewayRequest  = "payment_gateway_request"
	RecordTypeGatewayResponse = "payment_gateway_response"
	RecordTypeGatewayEvent    = "payment_gateway_event"
	RecordTypeWorkflow        = "billing_service_workflow"
)

// Body keys used to cross-link a refund bill and the bill it refunds. The
// linkage lives in record bodies rather than a foreign key on the bill row
// because a refund can be created before its target is known.
const (
	BodyKeyToRefundBill = "to_refund_bill"
	BodyKeyRefundBill   = "refund_bill"
)

// BillProcessingRecord is one append-only audit entry per attempted state
// transition. Records are never mutated or deleted; a bill's current status
// always equals the bill_status of its most recent record, or NEW when the
// bill has no records at all.
type BillProcessingRecord struct {
	ID            int64                  `json:"-"`
	RecordID      string                 `json:"id"`
	BillUUID      string                 `json:"bill_id"`
	BillStatus    string                 `json:"bill_status"`
	RecordType    string                 `json:"processing_record_type"`
	Body          map[string]interface{} `json:"body,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (r *BillProcessingRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// NewProcessingRecord builds a record for a bill in its current status.
func NewProcessingRecord(bill *Bill, recordType string, body map[string]interface{}, transactionID string) *BillProcessingRecord {
	return &BillProcessingRecord{
		RecordID:      GenerateUUIDWithSuffix("rec"),
		BillUUID:      bill.UUID,
		BillStatus:    bill.Status,
		RecordType:    recordType,
		Body:          body,
		TransactionID: transactionID,
		CreatedAt:     time.Now(),
	}
}

// RefundLinkBody builds the workflow body stashed on a refund bill pointing
// at the bill it offsets or refunds.
func RefundLinkBody(linkedBillUUID string) map[string]interface{} {
	return map[string]interface{}{BodyKeyToRefundBill: linkedBillUUID}
}

// RefundedByBody builds the workflow body attached to an original bill when a
// refund bill is raised against it.
func RefundedByBody(refundBillUUID string) map[string]interface{} {
	return map[string]interface{}{BodyKeyRefundBill: refundBillUUID}
}

// LinkedBillUUID reads a refund linkage out of a record body, returning an
// empty string when the record carries none.
func (r *BillProcessingRecord) LinkedBillUUID() string {
	if r.Body == nil {
		return ""
	}
	if v, ok := r.Body[BodyKeyToRefundBill].(string); ok {
		return v
	}
	return ""
}
