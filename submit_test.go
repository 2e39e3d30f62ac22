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
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/internal/gateway"
	"github.com/fernhealth/fernbill/internal/procedure"
	"github.com/fernhealth/fernbill/model"
)

func TestSubmitNewBillChargesGateway(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)

	var capturedHeaders map[string]string
	var capturedPayload *gateway.TransactionPayload
	f.gateway = &MockGatewayClient{
		MockCreateTransaction: func(ctx context.Context, payload *gateway.TransactionPayload, headers map[string]string) (*gateway.Transaction, error) {
			capturedHeaders = headers
			capturedPayload = payload
			return &gateway.Transaction{
				TransactionID:   "txn_123",
				TransactionData: gateway.TransactionData{Amount: payload.Amount},
				Status:          model.TransactionStatusCompleted,
			}, nil
		},
	}

	expectBillSelect(mock, bill)
	expectRecordsSelect(mock, bill.UUID)
	// PROCESSING with the request record lands before the gateway sees the
	// payload; the synchronous response is only recorded.
	expectBillTransition(mock)
	expectRecordInsert(mock)

	result, err := f.SubmitNewBill(context.Background(), bill.UUID, "api")
	assert.NoError(t, err)
	// Even a synchronously completed transaction settles through the webhook.
	assert.Equal(t, model.StatusProcessing, result.Status)
	assert.Nil(t, result.PaidAt)

	assert.Equal(t, fmt.Sprintf("%s:1", bill.UUID), capturedHeaders["Idempotency-Key"])
	assert.Equal(t, gateway.KindCharge, capturedPayload.Kind)
	assert.Equal(t, bill.GrossAmount(), capturedPayload.Amount)
	assert.Equal(t, bill.UUID, capturedPayload.Metadata["bill_uuid"])

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSubmitNewBillAutoProcessesSmallAmounts(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)
	bill.Amount = 50
	bill.LastCalculatedFee = 0

	f.gateway = &MockGatewayClient{
		MockCreateTransaction: func(ctx context.Context, payload *gateway.TransactionPayload, headers map[string]string) (*gateway.Transaction, error) {
			t.Error("gateway must not be called for amounts at or under the floor")
			return nil, errors.New("unexpected gateway call")
		},
	}

	expectBillSelect(mock, bill)
	// PROCESSING then PAID, both workflow records, no gateway round trip.
	expectBillTransition(mock)
	expectBillTransition(mock)

	result, err := f.SubmitNewBill(context.Background(), bill.UUID, "scheduler")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPaid, result.Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSubmitNewBillRecordsGatewayDecline(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)

	gerr := &gateway.Error{HTTPCode: 402, DeclineCode: "insufficient_funds", Body: "card has insufficient funds"}
	f.gateway = &MockGatewayClient{
		MockCreateTransaction: func(ctx context.Context, payload *gateway.TransactionPayload, headers map[string]string) (*gateway.Transaction, error) {
			return nil, gerr
		},
	}

	expectBillSelect(mock, bill)
	expectRecordsSelect(mock, bill.UUID)
	expectBillTransition(mock) // NEW -> PROCESSING
	expectBillTransition(mock) // PROCESSING -> FAILED

	result, err := f.SubmitNewBill(context.Background(), bill.UUID, "api")
	assert.ErrorIs(t, err, gerr)
	assert.NotNil(t, result)
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, config.ErrorTypeInsufficientFunds, result.ErrorType)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSubmitNewBillLeavesProcessingOnTransportError(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)

	f.gateway = &MockGatewayClient{
		MockCreateTransaction: func(ctx context.Context, payload *gateway.TransactionPayload, headers map[string]string) (*gateway.Transaction, error) {
			return nil, errors.New("connection reset by peer")
		},
	}

	expectBillSelect(mock, bill)
	expectRecordsSelect(mock, bill.UUID)
	expectBillTransition(mock) // NEW -> PROCESSING, and nothing after

	result, err := f.SubmitNewBill(context.Background(), bill.UUID, "api")
	assert.Error(t, err)
	assert.NotNil(t, result)
	// The gateway may have accepted the payload; only a webhook can say.
	assert.Equal(t, model.StatusProcessing, result.Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSubmitNewBillRejectsNonSubmittableStatus(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusPaid)
	expectBillSelect(mock, bill)

	_, err := f.SubmitNewBill(context.Background(), bill.UUID, "api")
	var statusErr *InvalidInputBillStatus
	assert.ErrorAs(t, err, &statusErr)
	assert.Equal(t, model.StatusPaid, statusErr.Status)
}

func TestSubmitNewBillRejectsEphemeralBill(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)
	bill.IsEphemeral = true
	expectBillSelect(mock, bill)

	_, err := f.SubmitNewBill(context.Background(), bill.UUID, "api")
	var ephemeralErr *InvalidEphemeralBillOperation
	assert.ErrorAs(t, err, &ephemeralErr)
}

func TestSubmitNewBillInvoicedEmployerSettlesWithoutGateway(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)
	bill.PayorType = model.PayorTypeEmployer

	f.procedures = &MockProcedureService{
		MockCanEmployerBillBeProcessed: func(ctx context.Context, procedureUUID string) (bool, error) {
			return false, nil
		},
	}
	f.gateway = &MockGatewayClient{
		MockCreateTransaction: func(ctx context.Context, payload *gateway.TransactionPayload, headers map[string]string) (*gateway.Transaction, error) {
			t.Error("gateway must not be called for invoiced employer bills")
			return nil, errors.New("unexpected gateway call")
		},
	}

	expectBillSelect(mock, bill)
	expectBillTransition(mock)
	expectBillTransition(mock)

	result, err := f.SubmitNewBill(context.Background(), bill.UUID, "api")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPaid, result.Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSubmitNewBillRejectsCancelledProcedure(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)
	expectBillSelect(mock, bill)

	f.procedures = &MockProcedureService{
		MockGetProcedure: func(ctx context.Context, procedureUUID string) (*procedure.Procedure, error) {
			return &procedure.Procedure{UUID: procedureUUID, Status: procedure.StatusCancelled}, nil
		},
	}

	_, err := f.SubmitNewBill(context.Background(), bill.UUID, "api")
	var cancelledErr *InvalidBillTreatmentProcedureCancelled
	assert.ErrorAs(t, err, &cancelledErr)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestProcessBillSubmissionDropsStaleTask(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusPaid)
	expectBillSelect(mock, bill)

	payload, err := json.Marshal(BillRetryPayload{BillUUID: bill.UUID, Initiator: "payment_method_attach"})
	assert.NoError(t, err)

	task := asynq.NewTask("new:bill_retry", payload)
	err = f.ProcessBillSubmission(context.Background(), task)
	// Stale queued work is dropped, not errored, so asynq does not redeliver.
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
