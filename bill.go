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
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/internal/procedure"
	"github.com/fernhealth/fernbill/model"
)

var tracer = otel.Tracer("fernbill")

// CreateBill validates and persists a new bill in NEW status. The payment
// method snapshot and fee are resolved here, at creation time; later attach
// events may refresh them, but submission never re-reads the gateway for
// method details.
//
// Member bills against gateway payment are scheduled for the configured delay
// past the procedure end date, giving cost adjustments time to land before
// the charge fires.
func (f *Fernbill) CreateBill(ctx context.Context, bill *model.Bill) (*model.Bill, error) {
	ctx, span := tracer.Start(ctx, "Creating bill")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	proc, err := f.procedures.GetProcedure(ctx, bill.ProcedureID)
	if err != nil {
		return nil, err
	}
	if proc.IsCancelled() && !bill.IsRefundDirection() {
		return nil, &InvalidBillTreatmentProcedureCancelled{BillUUID: bill.UUID, ProcedureID: bill.ProcedureID}
	}

	if bill.PaymentMethod == "" {
		bill.PaymentMethod = model.PaymentMethodGateway
	}
	if bill.PaymentMethod == model.PaymentMethodGateway {
		if err := f.snapshotPaymentMethod(ctx, bill); err != nil {
			return nil, err
		}
	}

	fee, err := calculateFeeForBill(conf, bill)
	if err != nil {
		return nil, err
	}
	bill.LastCalculatedFee = fee

	bill.Status = model.StatusNew
	if bill.ProcessingScheduledAtOrAfter.IsZero() {
		bill.ProcessingScheduledAtOrAfter = processingSchedule(conf, bill, proc)
	}

	created, err := f.datasource.CreateBill(ctx, bill)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return created, nil
}

// snapshotPaymentMethod copies the payor's default gateway payment method
// onto the bill. Clinics are paid by transfer and carry no method of their
// own.
func (f *Fernbill) snapshotPaymentMethod(ctx context.Context, bill *model.Bill) error {
	if bill.PayorType == model.PayorTypeClinic {
		return nil
	}

	customer, err := f.gateway.GetCustomer(ctx, bill.PayorID)
	if err != nil {
		return &PaymentsGatewaySetupError{PayorType: bill.PayorType, PayorID: bill.PayorID, Reason: err.Error()}
	}
	method, ok := customer.DefaultPaymentMethod()
	if !ok {
		return &PaymentsGatewaySetupError{PayorType: bill.PayorType, PayorID: bill.PayorID, Reason: "no payment method on file"}
	}

	bill.PaymentMethodType = method.Type
	bill.PaymentMethodID = method.PaymentMethodID
	bill.PaymentMethodLabel = method.Last4
	bill.CardFunding = method.CardFunding
	return nil
}

func processingSchedule(conf *config.Configuration, bill *model.Bill, proc *procedure.Procedure) time.Time {
	if bill.PayorType == model.PayorTypeMember && !bill.IsRefundDirection() && proc.EndDate != nil {
		return proc.EndDate.AddDate(0, 0, conf.Billing.MemberChargeDelayDays)
	}
	return time.Now()
}

// transitionBill applies a status change and persists the new bill state with
// its processing record as one atomic write. Every status change in the
// engine funnels through here.
func (f *Fernbill) transitionBill(ctx context.Context, bill *model.Bill, target, errorType, recordType string, body map[string]interface{}, transactionID string) (*model.Bill, error) {
	next, err := applyStatusChange(bill, target, errorType)
	if err != nil {
		return nil, err
	}
	record := model.NewProcessingRecord(next, recordType, body, transactionID)
	return f.datasource.UpdateBillWithRecord(ctx, next, record)
}

// CancelBill moves a NEW bill to CANCELLED. Bills past NEW have touched or
// are about to touch money and must go through the refund flow instead.
func (f *Fernbill) CancelBill(ctx context.Context, billUUID, initiator string) (*model.Bill, error) {
	ctx, span := tracer.Start(ctx, "Cancelling bill")
	defer span.End()

	bill, err := f.datasource.GetBillByUUID(ctx, billUUID)
	if err != nil {
		return nil, err
	}
	if bill.Status != model.StatusNew {
		return nil, &InvalidInputBillStatus{Status: bill.Status, Expected: []string{model.StatusNew}}
	}

	body := map[string]interface{}{"initiated_by": initiator}
	return f.transitionBill(ctx, bill, model.StatusCancelled, "", model.RecordTypeWorkflow, body, "")
}
