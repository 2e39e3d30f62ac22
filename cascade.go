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

	"github.com/fernhealth/fernbill/internal/notification"
	"github.com/fernhealth/fernbill/model"
)

// runReconciliationCascades fires the cross-payor side effects of a settled
// billing outcome. The bill transition has already committed; cascade
// failures are surfaced to the operator rather than failing the delivery,
// because a redelivered event would be a terminal no-op and never re-run
// them.
func (f *Fernbill) runReconciliationCascades(ctx context.Context, bill *model.Bill) {
	const initiator = "gateway_event"

	var err error
	switch {
	case bill.PayorType == model.PayorTypeEmployer && bill.Status == model.StatusPaid:
		err = f.CascadeEmployerPaidToClinic(ctx, bill, initiator)
	case bill.PayorType == model.PayorTypeEmployer && bill.Status == model.StatusRefunded:
		err = f.CascadeEmployerRefundToClinics(ctx, bill, initiator)
	case bill.PayorType == model.PayorTypeClinic && bill.Status == model.StatusRefunded:
		err = f.cascadeClinicRefundToPayors(ctx, bill, initiator)
	}
	if err != nil {
		logrus.Errorf("reconciliation cascade failed for bill %s: %v", bill.UUID, err)
		notification.NotifyError(err)
	}
}

// netProcedureAmount sums one payor side's standing position for a procedure.
// Cancelled bills and offset-settled refunds are bookkeeping pairs that moved
// no money, so they do not count.
func netProcedureAmount(bills []*model.Bill, payorType string) int64 {
	var net int64
	for _, bill := range bills {
		if bill.PayorType != payorType || bill.IsEphemeral {
			continue
		}
		if bill.Status == model.StatusCancelled {
			continue
		}
		if settlement, ok := bill.MetaData["settlement"].(string); ok && settlement == "offset" {
			continue
		}
		net += bill.Amount
	}
	return net
}

// CascadeEmployerPaidToClinic raises the clinic payout funded by a settled
// employer bill. At most one live clinic bill exists per procedure: when any
// non-cancelled clinic charge is already there the cascade is a no-op, which
// makes redelivered employer settlements safe. Otherwise the procedure's
// clinic cost is billed net of whatever earlier clinic billing still stands,
// and the new bill is submitted straight away.
func (f *Fernbill) CascadeEmployerPaidToClinic(ctx context.Context, employerBill *model.Bill, initiator string) error {
	ctx, span := tracer.Start(ctx, "Cascading employer settlement to clinic")
	defer span.End()

	if employerBill.PayorType != model.PayorTypeEmployer {
		return &InvalidRefundBillPayerType{PayorType: employerBill.PayorType}
	}

	bills, err := f.datasource.GetBillsByProcedure(ctx, employerBill.ProcedureID)
	if err != nil {
		return err
	}
	for _, bill := range bills {
		if bill.PayorType != model.PayorTypeClinic || bill.IsRefundDirection() || bill.IsEphemeral {
			continue
		}
		if bill.Status != model.StatusCancelled {
			logrus.Infof("clinic bill %s already exists for procedure %s, skipping cascade", bill.UUID, employerBill.ProcedureID)
			return nil
		}
	}

	proc, err := f.procedures.GetProcedure(ctx, employerBill.ProcedureID)
	if err != nil {
		return err
	}
	if proc.FertilityClinicID == "" || proc.Cost == 0 {
		logrus.Infof("procedure %s has no clinic payout, skipping cascade", employerBill.ProcedureID)
		return nil
	}

	delta := proc.Cost - netProcedureAmount(bills, model.PayorTypeClinic)
	if delta <= 0 {
		return nil
	}

	// Clinic payouts are gateway transfers; they carry no card method and pay
	// no processing fee.
	clinicBill := &model.Bill{
		PayorType:       model.PayorTypeClinic,
		PayorID:         proc.FertilityClinicID,
		ProcedureID:     employerBill.ProcedureID,
		CostBreakdownID: employerBill.CostBreakdownID,
		Amount:          delta,
		PaymentMethod:   model.PaymentMethodOffline,
		MetaData:        map[string]interface{}{"cascaded_from": employerBill.UUID},
	}
	clinicBill, err = f.CreateBill(ctx, clinicBill)
	if err != nil {
		return err
	}
	_, err = f.SubmitNewBill(ctx, clinicBill.UUID, initiator)
	return err
}

// cascadeClinicRefundToPayors refunds the member and employer sides once a
// clinic clawback settles and the clinic position for the procedure nets to
// zero: the clinic kept none of the money, so nobody stays charged for it.
func (f *Fernbill) cascadeClinicRefundToPayors(ctx context.Context, clinicRefund *model.Bill, initiator string) error {
	ctx, span := tracer.Start(ctx, "Cascading clinic refund to payors")
	defer span.End()

	bills, err := f.datasource.GetBillsByProcedure(ctx, clinicRefund.ProcedureID)
	if err != nil {
		return err
	}
	if netProcedureAmount(bills, model.PayorTypeClinic) != 0 {
		return nil
	}

	for _, bill := range bills {
		if bill.PayorType == model.PayorTypeClinic || bill.IsRefundDirection() || bill.IsEphemeral {
			continue
		}
		if bill.Status != model.StatusNew && bill.Status != model.StatusFailed && bill.Status != model.StatusPaid {
			continue
		}
		existing, err := f.refundsAgainstBill(ctx, bill)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		if _, err := f.CreateFullRefundBillFromBill(ctx, bill.UUID, initiator); err != nil {
			return err
		}
	}
	return nil
}

// CascadeEmployerRefundToClinics propagates an employer-side reversal to the
// clinic side of the same procedure. When the employer's money comes back,
// the clinic payout funded by it has to come back too.
//
// The cascade is idempotent: clinic bills that are already cancelled, already
// refund-direction, or already have a refund linked against them are skipped,
// so replaying the cascade after a partial failure finishes the remainder
// without doubling anything up.
func (f *Fernbill) CascadeEmployerRefundToClinics(ctx context.Context, employerBill *model.Bill, initiator string) error {
	ctx, span := tracer.Start(ctx, "Cascading employer refund to clinics")
	defer span.End()

	if employerBill.PayorType != model.PayorTypeEmployer {
		return &InvalidRefundBillPayerType{PayorType: employerBill.PayorType}
	}

	bills, err := f.datasource.GetBillsByProcedure(ctx, employerBill.ProcedureID)
	if err != nil {
		return err
	}

	for _, clinicBill := range bills {
		if clinicBill.PayorType != model.PayorTypeClinic || clinicBill.IsRefundDirection() {
			continue
		}
		if clinicBill.Status == model.StatusCancelled || clinicBill.Status == model.StatusRefunded {
			continue
		}

		existing, err := f.refundsAgainstBill(ctx, clinicBill)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			logrus.Infof("clinic bill %s already has a refund in flight, skipping cascade", clinicBill.UUID)
			continue
		}

		clinicRefund := &model.Bill{
			PayorType:       clinicBill.PayorType,
			PayorID:         clinicBill.PayorID,
			ProcedureID:     clinicBill.ProcedureID,
			CostBreakdownID: clinicBill.CostBreakdownID,
			Amount:          -clinicBill.Amount,
			PaymentMethod:   clinicBill.PaymentMethod,
			MetaData: map[string]interface{}{
				"cascaded_from": employerBill.UUID,
				"refunds_bill":  clinicBill.UUID,
			},
		}
		if _, err := f.CreateRefundBill(ctx, clinicRefund, initiator); err != nil {
			return err
		}
	}
	return nil
}
