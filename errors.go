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
	"fmt"
	"strings"
)

// PaymentsGatewaySetupError means a payor has no usable gateway customer or
// default payment method. It is a configuration problem, surfaced to the
// caller and never retried automatically.
type PaymentsGatewaySetupError struct {
	PayorType string
	PayorID   string
	Reason    string
}

func (e *PaymentsGatewaySetupError) Error() string {
	return fmt.Sprintf("payments gateway setup incomplete for %s %s: %s", e.PayorType, e.PayorID, e.Reason)
}

// MissingLinkedChargeInformation means a refund could not locate the original
// charge transaction it must reference.
type MissingLinkedChargeInformation struct {
	BillUUID string
}

func (e *MissingLinkedChargeInformation) Error() string {
	return fmt.Sprintf("no linked charge transaction found for refund bill %s", e.BillUUID)
}

// InvalidBillStatusChange is raised for any transition outside the legal set,
// naming both ends of the attempted move.
type InvalidBillStatusChange struct {
	From string
	To   string
}

func (e *InvalidBillStatusChange) Error() string {
	return fmt.Sprintf("invalid bill status change: %s -> %s", e.From, e.To)
}

// InvalidInputBillStatus means an operation received a bill in a status it
// does not accept at all, before any transition was attempted.
type InvalidInputBillStatus struct {
	Status   string
	Expected []string
}

func (e *InvalidInputBillStatus) Error() string {
	return fmt.Sprintf("bill status %s not accepted, expected one of %s", e.Status, strings.Join(e.Expected, ", "))
}

// InvalidEphemeralBillOperation means an estimate bill was handed to a flow
// that moves real money.
type InvalidEphemeralBillOperation struct {
	BillUUID string
}

func (e *InvalidEphemeralBillOperation) Error() string {
	return fmt.Sprintf("bill %s is an ephemeral estimate and cannot be submitted to the gateway", e.BillUUID)
}

// InvalidBillTreatmentProcedureCancelled means the linked procedure is not in
// a billable lifecycle status.
type InvalidBillTreatmentProcedureCancelled struct {
	BillUUID    string
	ProcedureID string
}

func (e *InvalidBillTreatmentProcedureCancelled) Error() string {
	return fmt.Sprintf("procedure %s for bill %s is not in a billable status", e.ProcedureID, e.BillUUID)
}

// InvalidRefundBillCreation means refund creation rules were violated, e.g. a
// second refund against an already partially refunded bill.
type InvalidRefundBillCreation struct {
	BillUUID string
	Reason   string
}

func (e *InvalidRefundBillCreation) Error() string {
	return fmt.Sprintf("cannot create refund bill for %s: %s", e.BillUUID, e.Reason)
}

// InvalidRefundBillPayerType means a refund flow received a payor type it
// cannot reverse money for.
type InvalidRefundBillPayerType struct {
	PayorType string
}

func (e *InvalidRefundBillPayerType) Error() string {
	return fmt.Sprintf("payor type %s is not refundable through this flow", e.PayorType)
}

// MessageProcessingError is raised for malformed or inconsistent gateway
// webhook payloads. It carries every violated rule, not just the first, and
// the event is never partially applied.
type MessageProcessingError struct {
	Violations []string
}

func (e *MessageProcessingError) Error() string {
	return fmt.Sprintf("gateway message rejected: %s", strings.Join(e.Violations, "; "))
}
