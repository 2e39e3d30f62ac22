/*
Copyright 2024 Fern Health Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fernbill

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/internal/gateway"
	"github.com/fernhealth/fernbill/internal/procedure"
	"github.com/fernhealth/fernbill/model"
)

func billingEventJSON(transactionID, status string, amount int64, billUUID string) []byte {
	return []byte(fmt.Sprintf(`{
		"event_type": "billing_event",
		"message_payload": {
			"transaction_id": %q,
			"transaction_data": {"amount": %d},
			"status": %q,
			"metadata": {"bill_uuid": %q}
		}
	}`, transactionID, amount, status, billUUID))
}

func TestProcessGatewayEventCompletesBill(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusProcessing)
	raw := billingEventJSON("txn_123", model.TransactionStatusCompleted, bill.GrossAmount(), bill.UUID)

	// Resolve by transaction id, then re-fetch under the per-bill lock.
	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_123").
		WillReturnRows(billRows(bill))
	expectBillSelect(mock, bill)
	expectBillTransition(mock)

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventRedeliveryIsNoOp(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusPaid)
	raw := billingEventJSON("txn_123", model.TransactionStatusCompleted, bill.GrossAmount(), bill.UUID)

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_123").
		WillReturnRows(billRows(bill))
	expectBillSelect(mock, bill)
	// No update: the bill already reached the delivered outcome.

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventFailureMapsDeclineCode(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusProcessing)
	raw := []byte(fmt.Sprintf(`{
		"event_type": "billing_event",
		"error_payload": {"decline_code": "expired_card"},
		"message_payload": {
			"transaction_id": "txn_123",
			"transaction_data": {"amount": %d},
			"status": "failed",
			"metadata": {"bill_uuid": %q}
		}
	}`, bill.GrossAmount(), bill.UUID))

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_123").
		WillReturnRows(billRows(bill))
	expectBillSelect(mock, bill)

	expectBillTransition(mock)

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventPendingAppendsRecordOnly(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusProcessing)
	raw := billingEventJSON("txn_123", model.TransactionStatusPending, bill.GrossAmount(), bill.UUID)

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_123").
		WillReturnRows(billRows(bill))
	expectBillSelect(mock, bill)
	expectRecordInsert(mock)

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventPendingAdvancesNewBill(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)
	raw := billingEventJSON("txn_123", model.TransactionStatusPending, bill.GrossAmount(), bill.UUID)

	// The record body is the message payload exactly as it arrived.
	expectedBody, err := json.Marshal(map[string]interface{}{
		"transaction_id":   "txn_123",
		"transaction_data": map[string]interface{}{"amount": float64(bill.GrossAmount())},
		"status":           model.TransactionStatusPending,
		"metadata":         map[string]interface{}{"bill_uuid": bill.UUID},
	})
	assert.NoError(t, err)

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_123").
		WillReturnRows(billRows(bill))
	expectBillSelect(mock, bill)
	// The gateway took the transaction in flight, so the NEW bill follows it
	// into PROCESSING.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bills SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bill_processing_records").
		WithArgs(sqlmock.AnyArg(), bill.UUID, model.StatusProcessing, model.RecordTypeGatewayEvent, expectedBody, "txn_123", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventEmployerSettlementSpawnsClinicBill(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	employerBill := getBillMock(model.StatusProcessing)
	employerBill.PayorType = model.PayorTypeEmployer
	raw := billingEventJSON("txn_emp_1", model.TransactionStatusCompleted, employerBill.GrossAmount(), employerBill.UUID)

	f.procedures = &MockProcedureService{
		MockGetProcedure: func(ctx context.Context, procedureUUID string) (*procedure.Procedure, error) {
			return &procedure.Procedure{
				UUID:              procedureUUID,
				Cost:              100000,
				Status:            procedure.StatusCompleted,
				FertilityClinicID: "clinic_9",
			}, nil
		},
	}

	var capturedPayload *gateway.TransactionPayload
	f.gateway = &MockGatewayClient{
		MockCreateTransaction: func(ctx context.Context, payload *gateway.TransactionPayload, headers map[string]string) (*gateway.Transaction, error) {
			capturedPayload = payload
			return &gateway.Transaction{
				TransactionID:   "txn_transfer_1",
				TransactionData: gateway.TransactionData{Amount: payload.Amount},
				Status:          model.TransactionStatusProcessing,
			}, nil
		},
	}

	clinicFixture := getBillMock(model.StatusNew)
	clinicFixture.PayorType = model.PayorTypeClinic
	clinicFixture.PayorID = "clinic_9"
	clinicFixture.ProcedureID = employerBill.ProcedureID
	clinicFixture.Amount = 100000
	clinicFixture.LastCalculatedFee = 0
	clinicFixture.PaymentMethod = model.PaymentMethodOffline

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_emp_1").
		WillReturnRows(billRows(employerBill))
	expectBillSelect(mock, employerBill) // re-fetch under the per-bill lock
	expectBillTransition(mock)           // PROCESSING -> PAID

	// The settled employer bill funds the clinic payout for the procedure.
	mock.ExpectQuery("SELECT (.+) FROM bills WHERE procedure_id = \\$1").
		WithArgs(employerBill.ProcedureID).
		WillReturnRows(billRows(employerBill))
	expectBillInsert(mock) // persist the clinic bill
	mock.ExpectQuery("SELECT (.+) FROM bills WHERE bill_id = \\$1").
		WillReturnRows(billRows(clinicFixture))
	expectRecordsSelect(mock, clinicFixture.UUID) // attempt counting
	expectBillTransition(mock)                    // clinic bill NEW -> PROCESSING
	expectRecordInsert(mock)                      // synchronous gateway response

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	assert.Equal(t, gateway.KindTransfer, capturedPayload.Kind)
	assert.Equal(t, "clinic_9", capturedPayload.RecipientID)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventEmployerRefundClawsBackClinicBill(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	employerRefund := getBillMock(model.StatusProcessing)
	employerRefund.PayorType = model.PayorTypeEmployer
	employerRefund.Amount = -50000
	employerRefund.LastCalculatedFee = -1450
	raw := billingEventJSON("txn_emp_refund", model.TransactionStatusCompleted, employerRefund.GrossAmount(), employerRefund.UUID)

	clinicBill := getBillMock(model.StatusNew)
	clinicBill.PayorType = model.PayorTypeClinic
	clinicBill.ProcedureID = employerRefund.ProcedureID
	clinicBill.Amount = 50000
	clinicBill.LastCalculatedFee = 0
	clinicBill.PaymentMethod = model.PaymentMethodOffline

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_emp_refund").
		WillReturnRows(billRows(employerRefund))
	expectBillSelect(mock, employerRefund) // re-fetch under the per-bill lock
	expectBillTransition(mock)            // PROCESSING -> REFUNDED

	// The employer's money came back, so the clinic payout it funded comes
	// back too, offset against the unprocessed clinic bill.
	mock.ExpectQuery("SELECT (.+) FROM bills WHERE procedure_id = \\$1").
		WithArgs(employerRefund.ProcedureID).
		WillReturnRows(billRows(clinicBill))
	expectRecordsSelect(mock, clinicBill.UUID) // no refund already linked
	expectBillSelect(mock, clinicBill)         // resolve the refunds_bill target
	expectBillInsert(mock)                     // persist the clinic refund
	expectRecordInsert(mock)                   // to_refund_bill linkage
	expectRecordInsert(mock)                   // refund_bill back-link
	expectOffsetCommit(mock, false)            // cancel + settle in one transaction

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventCollectsViolations(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusProcessing)
	otherUUID := model.GenerateUUIDWithSuffix("bill")
	// Wrong amount and a metadata uuid pointing at a different bill.
	raw := billingEventJSON("txn_123", model.TransactionStatusCompleted, bill.GrossAmount()+999, otherUUID)

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_123").
		WillReturnRows(billRows(bill))

	err := f.ProcessGatewayEvent(context.Background(), raw)
	var processingErr *MessageProcessingError
	assert.ErrorAs(t, err, &processingErr)
	assert.Len(t, processingErr.Violations, 2)

	// The rejected event wrote nothing; the bill is exactly as it was.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventRejectsMissingAmount(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusProcessing)
	// An event that reports no amount cannot be sanity checked, so it is
	// rejected rather than waved through.
	raw := billingEventJSON("txn_123", model.TransactionStatusCompleted, 0, bill.UUID)

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_123").
		WillReturnRows(billRows(bill))

	err := f.ProcessGatewayEvent(context.Background(), raw)
	var processingErr *MessageProcessingError
	assert.ErrorAs(t, err, &processingErr)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessGatewayEventUnknownBill(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	raw := billingEventJSON("txn_orphan", model.TransactionStatusCompleted, 1000, "")

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_orphan").
		WillReturnRows(billRows())

	err := f.ProcessGatewayEvent(context.Background(), raw)
	var processingErr *MessageProcessingError
	assert.ErrorAs(t, err, &processingErr)
}

func TestProcessGatewayEventRejectsUnknownEventType(t *testing.T) {
	f, _, _ := newTestFernbill(t)

	err := f.ProcessGatewayEvent(context.Background(), []byte(`{"event_type": "mystery_event", "message_payload": {}}`))
	var processingErr *MessageProcessingError
	assert.ErrorAs(t, err, &processingErr)
}

func TestProcessGatewayEventTerminalBillIgnoresContradiction(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	// A failed event for a bill that already settled is logged and dropped,
	// not applied.
	bill := getBillMock(model.StatusPaid)
	raw := []byte(fmt.Sprintf(`{
		"event_type": "billing_event",
		"message_payload": {
			"transaction_id": "txn_123",
			"transaction_data": {"amount": %d},
			"status": "failed",
			"metadata": {"bill_uuid": %q}
		}
	}`, bill.GrossAmount(), bill.UUID))

	mock.ExpectQuery("SELECT DISTINCT (.+) FROM bills b JOIN bill_processing_records r").
		WithArgs("txn_123").
		WillReturnRows(billRows(bill))
	expectBillSelect(mock, bill)

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessAttachEventRefreshesAndRequeues(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	customerID := gofakeit.UUID()
	failedBill := getBillMock(model.StatusFailed)
	failedBill.PayorID = customerID
	failedBill.ErrorType = config.ErrorTypeInsufficientFunds

	raw := []byte(fmt.Sprintf(`{
		"event_type": "payment_method_attach_event",
		"message_payload": {
			"customer_id": %q,
			"payment_method": {
				"payment_method_type": "card",
				"last4": "1881",
				"payment_method_id": "pm_new",
				"card_funding": "HSA"
			}
		}
	}`, customerID))

	mock.ExpectQuery("SELECT (.+) FROM bills WHERE payor_type = \\$1 AND payor_id = \\$2 AND status = ANY\\(\\$3\\)").
		WillReturnRows(billRows(failedBill))
	expectBillTransition(mock)

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	// The refreshed FAILED bill is queued for another submission.
	queued, err := f.queue.GetQueuedBill(failedBill.UUID)
	assert.NoError(t, err)
	assert.NotNil(t, queued)
	assert.Equal(t, failedBill.UUID, queued.BillUUID)
	assert.Equal(t, "payment_method_attach", queued.Initiator)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessAttachEventSkipsIneligibleFailures(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	customerID := gofakeit.UUID()
	failedBill := getBillMock(model.StatusFailed)
	failedBill.PayorID = customerID
	// VALIDATION_ERROR failures are not cured by a new payment method.
	failedBill.ErrorType = config.ErrorTypeValidation

	raw := []byte(fmt.Sprintf(`{
		"event_type": "payment_method_attach_event",
		"message_payload": {
			"customer_id": %q,
			"payment_method": {
				"payment_method_type": "card",
				"last4": "1881",
				"payment_method_id": "pm_new"
			}
		}
	}`, customerID))

	mock.ExpectQuery("SELECT (.+) FROM bills WHERE payor_type = \\$1 AND payor_id = \\$2 AND status = ANY\\(\\$3\\)").
		WillReturnRows(billRows(failedBill))
	// No update, no retry enqueue.

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	queued, err := f.queue.GetQueuedBill(failedBill.UUID)
	assert.NoError(t, err)
	assert.Nil(t, queued)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessAttachEventCommitsAllRefreshesTogether(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	customerID := gofakeit.UUID()
	firstBill := getBillMock(model.StatusNew)
	firstBill.PayorID = customerID
	secondBill := getBillMock(model.StatusNew)
	secondBill.PayorID = customerID

	raw := []byte(fmt.Sprintf(`{
		"event_type": "payment_method_attach_event",
		"message_payload": {
			"customer_id": %q,
			"payment_method": {
				"payment_method_type": "card",
				"last4": "1881",
				"payment_method_id": "pm_new"
			}
		}
	}`, customerID))

	mock.ExpectQuery("SELECT (.+) FROM bills WHERE payor_type = \\$1 AND payor_id = \\$2 AND status = ANY\\(\\$3\\)").
		WillReturnRows(billRows(firstBill, secondBill))
	// Both refreshes land in a single transaction; a crash mid-way never
	// leaves one bill on the new method and the other on the old.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bills SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bill_processing_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE bills SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bill_processing_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := f.ProcessGatewayEvent(context.Background(), raw)
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
