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

	"github.com/sirupsen/logrus"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/database"
	"github.com/fernhealth/fernbill/model"
)

// CreateRefundBill raises a refund (negative) bill and settles it against the
// payor's existing bills for the same procedure:
//
//   - against a NEW or FAILED bill, no money has moved, so the pair is
//     resolved by offsetting: the original is cancelled, the refund settles
//     without touching the gateway, and any non-zero remainder becomes a
//     fresh NEW bill.
//   - against a PAID bill, the refund is submitted to the gateway
//     referencing the original charge transaction.
//   - an employer bill already claimed by an invoice run is left alone; the
//     invoice pipeline owns its corrections and the original comes back
//     unchanged.
//
// Returns the refund bill, or the untouched original when the refund was a
// deliberate no-op.
func (f *Fernbill) CreateRefundBill(ctx context.Context, refund *model.Bill, initiator string) (*model.Bill, error) {
	ctx, span := tracer.Start(ctx, "Creating refund bill")
	defer span.End()

	if refund.Amount >= 0 {
		return nil, &InvalidRefundBillCreation{BillUUID: refund.UUID, Reason: "refund amount must be negative"}
	}

	target, err := f.FindLinkedBillForRefund(ctx, refund)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, &InvalidRefundBillCreation{BillUUID: refund.UUID, Reason: "no bill found to refund against"}
	}
	if target.Amount < -refund.Amount {
		return nil, &InvalidRefundBillCreation{BillUUID: refund.UUID, Reason: "refund amount exceeds the linked bill " + target.UUID}
	}

	if refund.PayorType == model.PayorTypeEmployer {
		processable, err := f.procedures.CanEmployerBillBeProcessed(ctx, refund.ProcedureID)
		if err != nil {
			return nil, err
		}
		if !processable {
			logrus.Infof("employer bill %s is invoiced, skipping refund", target.UUID)
			return target, nil
		}
	}

	refund, err = f.CreateBill(ctx, refund)
	if err != nil {
		return nil, err
	}

	// Cross-link both sides before anything settles, so a crash between here
	// and settlement still leaves the linkage discoverable.
	linkRecord := model.NewProcessingRecord(refund, model.RecordTypeWorkflow, model.RefundLinkBody(target.UUID), "")
	if _, err := f.datasource.CreateProcessingRecord(ctx, linkRecord); err != nil {
		return nil, err
	}
	backRecord := model.NewProcessingRecord(target, model.RecordTypeWorkflow, model.RefundedByBody(refund.UUID), "")
	if target.Status == model.StatusPaid {
		// A refunded PAID bill keeps its PAID status; the REFUNDED tag on this
		// record is what marks it as refunded.
		backRecord.BillStatus = model.StatusRefunded
	}
	if _, err := f.datasource.CreateProcessingRecord(ctx, backRecord); err != nil {
		return nil, err
	}

	switch target.Status {
	case model.StatusNew, model.StatusFailed:
		return f.offsetAgainstUnprocessedBill(ctx, refund, target, initiator)
	case model.StatusPaid:
		return f.SubmitNewBill(ctx, refund.UUID, initiator)
	default:
		return nil, &InvalidRefundBillCreation{BillUUID: refund.UUID, Reason: "linked bill " + target.UUID + " is not refundable in status " + target.Status}
	}
}

// offsetAgainstUnprocessedBill settles a refund against a bill that never
// moved money. The original is cancelled, the refund completes as a pure
// bookkeeping entry, and the leftover difference, if any, is re-raised as a
// new bill so the payor still owes exactly the adjusted total. All three
// writes land in one transaction; a half-applied offset is never observable.
func (f *Fernbill) offsetAgainstUnprocessedBill(ctx context.Context, refund, target *model.Bill, initiator string) (*model.Bill, error) {
	cancelBody := map[string]interface{}{"offset_by": refund.UUID, "initiated_by": initiator}
	cancelled, err := applyStatusChange(target, model.StatusCancelled, "")
	if err != nil {
		return nil, err
	}
	cancelRecord := model.NewProcessingRecord(cancelled, model.RecordTypeWorkflow, cancelBody, "")

	if refund.MetaData == nil {
		refund.MetaData = map[string]interface{}{}
	}
	refund.MetaData["settlement"] = "offset"

	settleBody := map[string]interface{}{"offset_against": target.UUID, "initiated_by": initiator}
	processing, err := applyStatusChange(refund, model.StatusProcessing, "")
	if err != nil {
		return nil, err
	}
	processingRecord := model.NewProcessingRecord(processing, model.RecordTypeWorkflow, settleBody, "")
	refunded, err := applyStatusChange(processing, model.StatusRefunded, "")
	if err != nil {
		return nil, err
	}
	refundedRecord := model.NewProcessingRecord(refunded, model.RecordTypeWorkflow, settleBody, "")

	writes := []database.BillWrite{
		{Bill: cancelled, Records: []*model.BillProcessingRecord{cancelRecord}},
		{Bill: refunded, Records: []*model.BillProcessingRecord{processingRecord, refundedRecord}},
	}

	var creates []*model.Bill
	if remainder := target.Amount + refund.Amount; remainder != 0 {
		delta, err := f.buildOffsetDeltaBill(ctx, target, remainder)
		if err != nil {
			return nil, err
		}
		creates = append(creates, delta)
	}

	if err := f.datasource.CommitBillWrites(ctx, writes, creates); err != nil {
		return nil, err
	}
	f.notifyBillOutcome(ctx, refunded)
	return refunded, nil
}

// buildOffsetDeltaBill re-raises the un-refunded remainder of an offset
// target as a fresh bill, carrying the target's payment snapshot. When the
// procedure was cancelled in the meantime the remainder is kept as an
// ephemeral estimate; cancelled procedures are never billed again.
func (f *Fernbill) buildOffsetDeltaBill(ctx context.Context, target *model.Bill, remainder int64) (*model.Bill, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	proc, err := f.procedures.GetProcedure(ctx, target.ProcedureID)
	if err != nil {
		return nil, err
	}

	delta := &model.Bill{
		PayorType:          target.PayorType,
		PayorID:            target.PayorID,
		ProcedureID:        target.ProcedureID,
		CostBreakdownID:    target.CostBreakdownID,
		Amount:             remainder,
		PaymentMethod:      target.PaymentMethod,
		PaymentMethodType:  target.PaymentMethodType,
		PaymentMethodID:    target.PaymentMethodID,
		PaymentMethodLabel: target.PaymentMethodLabel,
		CardFunding:        target.CardFunding,
		Status:             model.StatusNew,
		IsEphemeral:        proc.IsCancelled(),
		MetaData:           map[string]interface{}{"replaces_bill": target.UUID},
	}
	fee, err := calculateFeeForBill(conf, delta)
	if err != nil {
		return nil, err
	}
	delta.LastCalculatedFee = fee
	delta.ProcessingScheduledAtOrAfter = processingSchedule(conf, delta, proc)
	return delta, nil
}

// FindLinkedBillForRefund resolves the bill a refund should settle against.
// A linkage already stashed in the refund's records wins. Otherwise, among
// the payor's bills for the same procedure, unprocessed bills are preferred
// over paid ones: offsetting a bill that never moved money is always better
// than refunding one that did.
func (f *Fernbill) FindLinkedBillForRefund(ctx context.Context, refund *model.Bill) (*model.Bill, error) {
	if targetUUID, ok := refund.MetaData["refunds_bill"].(string); ok && targetUUID != "" {
		return f.datasource.GetBillByUUID(ctx, targetUUID)
	}

	if refund.UUID != "" {
		records, err := f.datasource.GetProcessingRecords(ctx, refund.UUID)
		if err == nil {
			for _, record := range records {
				if linked := record.LinkedBillUUID(); linked != "" {
					return f.datasource.GetBillByUUID(ctx, linked)
				}
			}
		}
	}

	candidates, err := f.datasource.GetBillsByPayor(ctx, refund.PayorType, refund.PayorID, nil)
	if err != nil {
		return nil, err
	}

	var newest, newestPaid *model.Bill
	for _, candidate := range candidates {
		if candidate.ProcedureID != refund.ProcedureID || candidate.IsRefundDirection() || candidate.IsEphemeral {
			continue
		}
		// An oversized refund can never settle against a smaller bill; the
		// offset delta would go negative.
		if candidate.Amount < -refund.Amount {
			continue
		}
		switch candidate.Status {
		case model.StatusNew, model.StatusFailed:
			if newest == nil {
				newest = candidate
			}
		case model.StatusPaid:
			if newestPaid == nil {
				newestPaid = candidate
			}
		}
	}
	if newest != nil {
		return newest, nil
	}
	return newestPaid, nil
}

// CreateFullRefundBillFromBill raises a refund for a bill's entire amount and
// fee.
func (f *Fernbill) CreateFullRefundBillFromBill(ctx context.Context, billUUID, initiator string) (*model.Bill, error) {
	original, err := f.datasource.GetBillByUUID(ctx, billUUID)
	if err != nil {
		return nil, err
	}
	if original.IsRefundDirection() {
		return nil, &InvalidRefundBillCreation{BillUUID: billUUID, Reason: "cannot refund a refund bill"}
	}

	refund := &model.Bill{
		PayorType:       original.PayorType,
		PayorID:         original.PayorID,
		ProcedureID:     original.ProcedureID,
		CostBreakdownID: original.CostBreakdownID,
		Amount:          -original.Amount,
		PaymentMethod:   original.PaymentMethod,
		MetaData:        map[string]interface{}{"refunds_bill": original.UUID},
	}
	return f.CreateRefundBill(ctx, refund, initiator)
}

// CreatePartialRefundBillFromBill raises a refund for part of a bill's
// amount. The partial amount is positive minor units, never more than the
// original.
func (f *Fernbill) CreatePartialRefundBillFromBill(ctx context.Context, billUUID string, amount int64, initiator string) (*model.Bill, error) {
	if amount <= 0 {
		return nil, &InvalidRefundBillCreation{BillUUID: billUUID, Reason: "partial refund amount must be positive"}
	}

	original, err := f.datasource.GetBillByUUID(ctx, billUUID)
	if err != nil {
		return nil, err
	}
	if original.IsRefundDirection() {
		return nil, &InvalidRefundBillCreation{BillUUID: billUUID, Reason: "cannot refund a refund bill"}
	}
	if amount > original.Amount {
		return nil, &InvalidRefundBillCreation{BillUUID: billUUID, Reason: "partial refund exceeds the bill amount"}
	}

	refund := &model.Bill{
		PayorType:       original.PayorType,
		PayorID:         original.PayorID,
		ProcedureID:     original.ProcedureID,
		CostBreakdownID: original.CostBreakdownID,
		Amount:          -amount,
		PaymentMethod:   original.PaymentMethod,
		MetaData:        map[string]interface{}{"refunds_bill": original.UUID},
	}
	return f.CreateRefundBill(ctx, refund, initiator)
}

// CreateFullRefundBillFromPartiallyRefundedPaidBill refunds whatever remains
// of a PAID bill after at most one earlier partial refund. A bill refunded
// twice already is a bookkeeping anomaly that needs an operator, and a fully
// consumed bill short-circuits to a no-op.
func (f *Fernbill) CreateFullRefundBillFromPartiallyRefundedPaidBill(ctx context.Context, billUUID, initiator string) (*model.Bill, error) {
	original, err := f.datasource.GetBillByUUID(ctx, billUUID)
	if err != nil {
		return nil, err
	}
	if original.Status != model.StatusPaid {
		return nil, &InvalidInputBillStatus{Status: original.Status, Expected: []string{model.StatusPaid}}
	}

	priorRefunds, err := f.refundsAgainstBill(ctx, original)
	if err != nil {
		return nil, err
	}
	if len(priorRefunds) > 1 {
		return nil, &InvalidRefundBillCreation{BillUUID: billUUID, Reason: "bill already has multiple refunds against it"}
	}

	remainder := original.Amount
	for _, prior := range priorRefunds {
		remainder += prior.Amount
	}
	if remainder <= 0 {
		logrus.Infof("bill %s is fully refunded, nothing to do", billUUID)
		return nil, nil
	}

	refund := &model.Bill{
		PayorType:       original.PayorType,
		PayorID:         original.PayorID,
		ProcedureID:     original.ProcedureID,
		CostBreakdownID: original.CostBreakdownID,
		Amount:          -remainder,
		PaymentMethod:   original.PaymentMethod,
		MetaData:        map[string]interface{}{"refunds_bill": original.UUID},
	}
	return f.CreateRefundBill(ctx, refund, initiator)
}

// refundsAgainstBill collects the refund bills already linked to a bill
// through its refund_bill workflow records.
func (f *Fernbill) refundsAgainstBill(ctx context.Context, bill *model.Bill) ([]*model.Bill, error) {
	records, err := f.datasource.GetProcessingRecords(ctx, bill.UUID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var refunds []*model.Bill
	for _, record := range records {
		refundUUID, ok := record.Body[model.BodyKeyRefundBill].(string)
		if !ok || refundUUID == "" || seen[refundUUID] {
			continue
		}
		seen[refundUUID] = true
		refund, err := f.datasource.GetBillByUUID(ctx, refundUUID)
		if err != nil {
			return nil, err
		}
		// Only refunds that settled or are still in flight count against the
		// remainder; a FAILED refund attempt left nothing refunded.
		if refund.Status == model.StatusRefunded || refund.Status == model.StatusProcessing {
			refunds = append(refunds, refund)
		}
	}
	return refunds, nil
}
