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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/database"
	redlock "github.com/fernhealth/fernbill/internal/lock"
	"github.com/fernhealth/fernbill/model"
)

const (
	billLockTTL  = 30 * time.Second
	billLockWait = 5 * time.Second
)

// ProcessGatewayEvent consumes one webhook delivery from the payment gateway.
// Deliveries are at-least-once and unordered; every path through here is
// safe to replay.
func (f *Fernbill) ProcessGatewayEvent(ctx context.Context, raw []byte) error {
	ctx, span := tracer.Start(ctx, "Processing gateway event")
	defer span.End()

	event, err := model.ParseGatewayEvent(raw)
	if err != nil {
		return &MessageProcessingError{Violations: []string{err.Error()}}
	}

	switch event.EventType {
	case model.EventTypeBilling:
		return f.processBillingEvent(ctx, event)
	case model.EventTypePaymentMethodAttach:
		return f.processAttachEvent(ctx, event)
	default:
		return &MessageProcessingError{Violations: []string{fmt.Sprintf("unrecognised event_type %q", event.EventType)}}
	}
}

// processBillingEvent reconciles a transaction outcome onto its bill. Sanity
// checks are collected rather than failing fast, so one rejected delivery
// reports everything wrong with it.
func (f *Fernbill) processBillingEvent(ctx context.Context, event *model.GatewayEvent) error {
	var violations []string

	var payload model.BillingEventPayload
	if err := json.Unmarshal(event.MessagePayload, &payload); err != nil {
		return &MessageProcessingError{Violations: []string{fmt.Sprintf("malformed message_payload: %v", err)}}
	}
	if err := payload.Validate(); err != nil {
		violations = append(violations, err.Error())
	}

	bill, err := f.resolveBillForEvent(ctx, &payload, &violations)
	if err != nil {
		return err
	}
	if bill == nil {
		return &MessageProcessingError{Violations: violations}
	}

	if claimed := payload.BillUUID(); claimed != "" && claimed != bill.UUID {
		violations = append(violations, fmt.Sprintf("metadata bill uuid %s does not match resolved bill %s", claimed, bill.UUID))
	}
	if payload.TransactionData.Amount != bill.GrossAmount() {
		violations = append(violations, fmt.Sprintf("reported amount %d does not equal bill amount plus fee %d", payload.TransactionData.Amount, bill.GrossAmount()))
	}
	if len(violations) > 0 {
		return &MessageProcessingError{Violations: violations}
	}

	// Events for the same bill apply serially. Two concurrent deliveries
	// otherwise race the optimistic version check and both report conflict.
	locker := redlock.NewLocker(f.redis, fmt.Sprintf("bill:%s", bill.UUID), model.GenerateUUIDWithSuffix("lock"))
	if err := locker.WaitLock(ctx, billLockTTL, billLockWait); err != nil {
		return err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Warnf("failed to release lock for bill %s: %v", bill.UUID, err)
		}
	}()

	// Re-read under the lock; the resolve above ran unlocked.
	bill, err = f.datasource.GetBillByUUID(ctx, bill.UUID)
	if err != nil {
		return err
	}

	return f.applyBillingOutcome(ctx, bill, event, &payload)
}

// resolveBillForEvent finds the bill a billing event belongs to: by the
// gateway transaction id first, falling back to the bill uuid in the
// transaction metadata. One transaction mapping to several bills is a data
// integrity failure and the event is rejected.
func (f *Fernbill) resolveBillForEvent(ctx context.Context, payload *model.BillingEventPayload, violations *[]string) (*model.Bill, error) {
	if payload.TransactionID != "" {
		bills, err := f.datasource.GetBillsByTransactionID(ctx, payload.TransactionID)
		if err != nil {
			return nil, err
		}
		if len(bills) > 1 {
			*violations = append(*violations, fmt.Sprintf("transaction %s maps to %d bills", payload.TransactionID, len(bills)))
			return nil, nil
		}
		if len(bills) == 1 {
			return bills[0], nil
		}
	}

	if billUUID := payload.BillUUID(); billUUID != "" {
		bill, err := f.datasource.GetBillByUUID(ctx, billUUID)
		if err == nil {
			return bill, nil
		}
	}

	*violations = append(*violations, fmt.Sprintf("no bill found for transaction %s", payload.TransactionID))
	return nil, nil
}

// applyBillingOutcome translates the gateway's transaction status onto the
// bill's state machine. The record body is the raw message payload as it
// arrived, so the audit trail never loses a field this engine does not read.
// Redeliveries of an outcome the bill already reached are logged no-ops.
func (f *Fernbill) applyBillingOutcome(ctx context.Context, bill *model.Bill, event *model.GatewayEvent, payload *model.BillingEventPayload) error {
	var body map[string]interface{}
	if err := json.Unmarshal(event.MessagePayload, &body); err != nil {
		return &MessageProcessingError{Violations: []string{fmt.Sprintf("malformed message_payload: %v", err)}}
	}

	var target, errorType string
	switch payload.Status {
	case model.TransactionStatusCompleted:
		target = model.StatusPaid
		if bill.IsRefundDirection() {
			target = model.StatusRefunded
		}
	case model.TransactionStatusFailed:
		target = model.StatusFailed
		conf, err := config.Fetch()
		if err != nil {
			return err
		}
		declineCode := ""
		if event.ErrorPayload != nil {
			declineCode = event.ErrorPayload.DeclineCode
			body["decline_code"] = declineCode
		}
		errorType = conf.MapDeclineCode(declineCode)
	case model.TransactionStatusPending, model.TransactionStatusProcessing:
		// The gateway took the transaction in flight. A NEW bill follows it
		// into PROCESSING; a bill already in flight or resolved just gains the
		// sighting.
		if bill.Status == model.StatusNew {
			_, err := f.transitionBill(ctx, bill, model.StatusProcessing, "", model.RecordTypeGatewayEvent, body, payload.TransactionID)
			return err
		}
		record := model.NewProcessingRecord(bill, model.RecordTypeGatewayEvent, body, payload.TransactionID)
		_, err := f.datasource.CreateProcessingRecord(ctx, record)
		return err
	default:
		return &MessageProcessingError{Violations: []string{fmt.Sprintf("unrecognised transaction status %q", payload.Status)}}
	}

	if bill.Status == target {
		logrus.Infof("bill %s already %s, ignoring redelivered event for transaction %s", bill.UUID, target, payload.TransactionID)
		return nil
	}
	if err := ValidateStatusChange(bill, target); err != nil {
		if isTerminalStatus(bill.Status) {
			logrus.Warnf("ignoring gateway event moving terminal bill %s from %s to %s", bill.UUID, bill.Status, target)
			return nil
		}
		return err
	}

	bill, err := f.transitionBill(ctx, bill, target, errorType, model.RecordTypeGatewayEvent, body, payload.TransactionID)
	if err != nil {
		return err
	}
	f.runReconciliationCascades(ctx, bill)
	f.notifyBillOutcome(ctx, bill)
	return nil
}

func isTerminalStatus(status string) bool {
	return len(legalTransitions[status]) == 0
}

// processAttachEvent refreshes a payor's open bills when they attach a new
// payment method, then re-queues FAILED bills whose failure the new method
// can plausibly cure. Validation failures are structured errors so the
// gateway redelivers them after a fix.
func (f *Fernbill) processAttachEvent(ctx context.Context, event *model.GatewayEvent) error {
	var payload model.PaymentMethodAttachPayload
	if err := json.Unmarshal(event.MessagePayload, &payload); err != nil {
		return &MessageProcessingError{Violations: []string{fmt.Sprintf("malformed message_payload: %v", err)}}
	}
	if err := payload.Validate(); err != nil {
		return &MessageProcessingError{Violations: []string{err.Error()}}
	}

	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	bills, err := f.datasource.GetBillsByPayor(ctx, model.PayorTypeMember, payload.CustomerID, []string{model.StatusNew, model.StatusFailed})
	if err != nil {
		return err
	}

	eligible := make(map[string]bool)
	for _, errorType := range config.RetryEligibleErrorTypes() {
		eligible[errorType] = true
	}

	var writes []database.BillWrite
	var failed []*model.Bill
	for _, bill := range bills {
		if bill.Status == model.StatusFailed && !eligible[bill.ErrorType] {
			continue
		}

		fee, err := CalculateFee(conf, bill.Amount, bill.PaymentMethod, payload.PaymentMethod.CardFunding)
		if err != nil {
			return err
		}
		updated := model.UpdateBill(bill, model.BillUpdate{
			LastCalculatedFee:  &fee,
			PaymentMethodType:  &payload.PaymentMethod.PaymentMethodType,
			PaymentMethodID:    &payload.PaymentMethod.PaymentMethodID,
			PaymentMethodLabel: &payload.PaymentMethod.Last4,
			CardFunding:        &payload.PaymentMethod.CardFunding,
		})

		record := model.NewProcessingRecord(updated, model.RecordTypeGatewayEvent, map[string]interface{}{
			"payment_method_id": payload.PaymentMethod.PaymentMethodID,
			"card_funding":      payload.PaymentMethod.CardFunding,
		}, "")
		writes = append(writes, database.BillWrite{Bill: updated, Records: []*model.BillProcessingRecord{record}})
		if updated.Status == model.StatusFailed {
			failed = append(failed, updated)
		}
	}

	// All refreshes commit together; retries are queued only once the new
	// method is durably on every bill.
	if len(writes) > 0 {
		if err := f.datasource.CommitBillWrites(ctx, writes, nil); err != nil {
			return err
		}
	}
	for _, bill := range failed {
		if err := f.queue.EnqueueRetry(ctx, bill, "payment_method_attach"); err != nil {
			logrus.Errorf("failed to enqueue retry for bill %s: %v", bill.UUID, err)
		}
	}
	return nil
}
