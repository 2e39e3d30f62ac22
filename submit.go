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

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/internal/gateway"
	"github.com/fernhealth/fernbill/internal/notification"
	"github.com/fernhealth/fernbill/model"
)

// SubmitNewBill pushes a bill through the gateway. Accepts NEW bills and
// FAILED bills being retried.
//
// The bill is moved to PROCESSING and the outgoing payload recorded before
// the gateway is contacted. If the process dies mid-call, the bill is left
// PROCESSING with a request record and no response record, which is exactly
// the state reconciliation expects; a NEW bill can never have silently moved
// money.
func (f *Fernbill) SubmitNewBill(ctx context.Context, billUUID, initiator string) (*model.Bill, error) {
	ctx, span := tracer.Start(ctx, "Submitting bill to gateway")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	bill, err := f.datasource.GetBillByUUID(ctx, billUUID)
	if err != nil {
		return nil, err
	}
	if bill.Status != model.StatusNew && bill.Status != model.StatusFailed {
		return nil, &InvalidInputBillStatus{Status: bill.Status, Expected: []string{model.StatusNew, model.StatusFailed}}
	}
	if bill.IsEphemeral {
		return nil, &InvalidEphemeralBillOperation{BillUUID: bill.UUID}
	}

	proc, err := f.procedures.GetProcedure(ctx, bill.ProcedureID)
	if err != nil {
		return nil, err
	}
	if proc.IsCancelled() && !bill.IsRefundDirection() {
		return nil, &InvalidBillTreatmentProcedureCancelled{BillUUID: bill.UUID, ProcedureID: bill.ProcedureID}
	}

	// Employer bills already in an invoice run settle out of band.
	if bill.PayorType == model.PayorTypeEmployer {
		processable, err := f.procedures.CanEmployerBillBeProcessed(ctx, bill.ProcedureID)
		if err != nil {
			return nil, err
		}
		if !processable {
			return f.settleWithoutGateway(ctx, bill, map[string]interface{}{"settlement": "invoice", "initiated_by": initiator})
		}
	}

	// Amounts at or under the floor are not worth a gateway round trip.
	if bill.GrossAmount() <= conf.Billing.AutoProcessFloor {
		return f.settleWithoutGateway(ctx, bill, map[string]interface{}{"settlement": "auto_processed", "initiated_by": initiator})
	}

	attempt, err := f.nextAttemptNumber(ctx, bill.UUID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{
		"bill_uuid":    bill.UUID,
		"procedure_id": bill.ProcedureID,
		"payer_type":   bill.PayorType,
		"initiated_by": initiator,
		"attempt":      attempt,
		"amount":       bill.Amount,
		"recouped_fee": bill.LastCalculatedFee,
	}
	if copay, ok := bill.MetaData["copay_passthrough"]; ok {
		metadata["copay_passthrough"] = copay
	}

	payload, err := f.buildGatewayPayload(ctx, bill, metadata)
	if err != nil {
		return nil, err
	}

	requestBody := map[string]interface{}{
		"kind":     payload.Kind,
		"amount":   payload.Amount,
		"metadata": metadata,
	}
	bill, err = f.transitionBill(ctx, bill, model.StatusProcessing, "", model.RecordTypeGatewayRequest, requestBody, "")
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Idempotency-Key": fmt.Sprintf("%s:%d", bill.UUID, attempt),
	}
	txn, err := f.gateway.CreateTransaction(ctx, payload, headers)
	if err != nil {
		var gerr *gateway.Error
		if errors.As(err, &gerr) {
			return f.recordGatewayDecline(ctx, bill, gerr)
		}
		// Transport failure: the gateway may or may not have accepted the
		// payload. The bill stays PROCESSING until a webhook or an operator
		// resolves it.
		notification.NotifyError(err)
		return bill, err
	}

	// Accepted. The synchronous response is recorded but never trusted as
	// settlement, even when the gateway already reports completed; the bill
	// stays PROCESSING until the webhook resolves it.
	responseBody := map[string]interface{}{
		"transaction_id": txn.TransactionID,
		"status":         txn.Status,
		"amount":         txn.TransactionData.Amount,
	}
	record := model.NewProcessingRecord(bill, model.RecordTypeGatewayResponse, responseBody, txn.TransactionID)
	if _, err := f.datasource.CreateProcessingRecord(ctx, record); err != nil {
		return nil, err
	}
	return bill, nil
}

// ProcessBillSubmission is the worker handler for the retry queue. Bills
// whose status moved on since they were queued are dropped, not errored, so
// asynq does not redeliver work that already happened.
func (f *Fernbill) ProcessBillSubmission(ctx context.Context, task *asynq.Task) error {
	var payload BillRetryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	_, err := f.SubmitNewBill(ctx, payload.BillUUID, payload.Initiator)
	if err != nil {
		var statusErr *InvalidInputBillStatus
		if errors.As(err, &statusErr) {
			logrus.Infof("bill %s no longer submittable (%s), dropping queued submission", payload.BillUUID, statusErr.Status)
			return nil
		}
		notification.NotifyError(err)
		return err
	}
	return nil
}

// settleWithoutGateway walks a bill through PROCESSING to its terminal status
// with workflow records only. Used for auto-processed small amounts and
// invoiced employer bills.
func (f *Fernbill) settleWithoutGateway(ctx context.Context, bill *model.Bill, body map[string]interface{}) (*model.Bill, error) {
	bill, err := f.transitionBill(ctx, bill, model.StatusProcessing, "", model.RecordTypeWorkflow, body, "")
	if err != nil {
		return nil, err
	}
	terminal := model.StatusPaid
	if bill.IsRefundDirection() {
		terminal = model.StatusRefunded
	}
	bill, err = f.transitionBill(ctx, bill, terminal, "", model.RecordTypeWorkflow, body, "")
	if err != nil {
		return nil, err
	}
	f.notifyBillOutcome(ctx, bill)
	return bill, nil
}

// recordGatewayDecline moves a PROCESSING bill to FAILED with the canonical
// error type for the gateway's decline code, then re-raises the decline so
// callers see the failure.
func (f *Fernbill) recordGatewayDecline(ctx context.Context, bill *model.Bill, gerr *gateway.Error) (*model.Bill, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	errorType := conf.MapDeclineCode(gerr.DeclineCode)

	responseBody := map[string]interface{}{
		"http_code":    gerr.HTTPCode,
		"decline_code": gerr.DeclineCode,
		"message":      gerr.Body,
	}
	failed, terr := f.transitionBill(ctx, bill, model.StatusFailed, errorType, model.RecordTypeGatewayResponse, responseBody, "")
	if terr != nil {
		logrus.Errorf("failed to record gateway decline for bill %s: %v", bill.UUID, terr)
		return nil, terr
	}
	f.notifyBillOutcome(ctx, failed)
	return failed, gerr
}

// nextAttemptNumber counts prior gateway requests for the bill. Attempt
// numbers keep idempotency keys distinct across deliberate retries while
// pinning each single attempt to one key.
func (f *Fernbill) nextAttemptNumber(ctx context.Context, billUUID string) (int, error) {
	records, err := f.datasource.GetProcessingRecords(ctx, billUUID)
	if err != nil {
		return 0, err
	}
	attempts := 0
	for _, record := range records {
		if record.RecordType == model.RecordTypeGatewayRequest {
			attempts++
		}
	}
	return attempts + 1, nil
}

// buildGatewayPayload picks the gateway operation from the payor type and the
// bill direction. Members and employers are charged and refunded; clinics are
// paid by transfer and clawed back by reversing it.
func (f *Fernbill) buildGatewayPayload(ctx context.Context, bill *model.Bill, metadata map[string]interface{}) (*gateway.TransactionPayload, error) {
	gross := bill.GrossAmount()

	switch bill.PayorType {
	case model.PayorTypeMember, model.PayorTypeEmployer:
		if bill.IsRefundDirection() {
			chargeTxnID, err := f.findLinkedChargeTransactionID(ctx, bill)
			if err != nil {
				return nil, err
			}
			return f.gateway.CreateRefundPayload(gross, chargeTxnID, metadata), nil
		}
		return f.gateway.CreateChargePayload(gross, bill.PayorID, metadata, bill.PaymentMethodID), nil

	case model.PayorTypeClinic:
		if bill.IsRefundDirection() {
			transferTxnID, err := f.findLinkedChargeTransactionID(ctx, bill)
			if err != nil {
				return nil, err
			}
			return f.gateway.CreateTransferReversePayload(gross, transferTxnID, metadata), nil
		}
		description := fmt.Sprintf("procedure %s", bill.ProcedureID)
		return f.gateway.CreateTransferPayload(gross, bill.PayorID, metadata, description), nil

	default:
		return nil, &InvalidRefundBillPayerType{PayorType: bill.PayorType}
	}
}

// findLinkedChargeTransactionID resolves the gateway transaction a refund
// bill must reference: follow the refund linkage stashed in this bill's
// workflow records to the original bill, then take its most recent gateway
// transaction id.
func (f *Fernbill) findLinkedChargeTransactionID(ctx context.Context, bill *model.Bill) (string, error) {
	records, err := f.datasource.GetProcessingRecords(ctx, bill.UUID)
	if err != nil {
		return "", err
	}

	var linkedUUID string
	for _, record := range records {
		if linked := record.LinkedBillUUID(); linked != "" {
			linkedUUID = linked
			break
		}
	}
	if linkedUUID == "" {
		return "", &MissingLinkedChargeInformation{BillUUID: bill.UUID}
	}

	linkedRecords, err := f.datasource.GetProcessingRecords(ctx, linkedUUID)
	if err != nil {
		return "", err
	}
	for _, record := range linkedRecords {
		if record.TransactionID != "" {
			return record.TransactionID, nil
		}
	}
	return "", &MissingLinkedChargeInformation{BillUUID: bill.UUID}
}
