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
	"time"

	"github.com/fernhealth/fernbill/model"
)

// legalTransitions is the full transition table. PAID -> REFUNDED is absent
// on purpose: a refund is always a new bill linked to the original, the
// original keeps its PAID status and only gains a REFUNDED processing record.
// FAILED -> CANCELLED covers offsets: a failed charge superseded by a refund
// must never become chargeable again.
var legalTransitions = map[string][]string{
	model.StatusNew:        {model.StatusProcessing, model.StatusCancelled},
	model.StatusProcessing: {model.StatusPaid, model.StatusFailed, model.StatusRefunded},
	model.StatusFailed:     {model.StatusProcessing, model.StatusCancelled},
	model.StatusPaid:       {},
	model.StatusRefunded:   {},
	model.StatusCancelled:  {},
}

// ValidateStatusChange checks a transition against the legal set. It is pure;
// persistence and timestamps are handled by applyStatusChange.
func ValidateStatusChange(bill *model.Bill, target string) error {
	targets, known := legalTransitions[bill.Status]
	if !known {
		return &InvalidBillStatusChange{From: bill.Status, To: target}
	}
	for _, t := range targets {
		if t != target {
			continue
		}
		// PROCESSING -> REFUNDED only exists for refund-direction bills;
		// positive bills resolve through PAID.
		if bill.Status == model.StatusProcessing && target == model.StatusRefunded && !bill.IsRefundDirection() {
			return &InvalidBillStatusChange{From: bill.Status, To: target}
		}
		return nil
	}
	return &InvalidBillStatusChange{From: bill.Status, To: target}
}

// applyStatusChange returns a new bill value in the target status with the
// status timestamp stamped and error_type bookkeeping applied. Entering
// FAILED requires an error type, inheriting the prior value when the caller
// supplies none; entering any other status clears it.
func applyStatusChange(bill *model.Bill, target string, errorType string) (*model.Bill, error) {
	if err := ValidateStatusChange(bill, target); err != nil {
		return nil, err
	}

	next := *bill
	now := time.Now()
	next.Status = target
	next.ModifiedAt = now

	switch target {
	case model.StatusProcessing:
		next.ProcessingAt = &now
	case model.StatusPaid:
		next.PaidAt = &now
	case model.StatusFailed:
		next.FailedAt = &now
	case model.StatusRefunded:
		next.RefundedAt = &now
	case model.StatusCancelled:
		next.CancelledAt = &now
	}

	if target == model.StatusFailed {
		if errorType == "" {
			errorType = bill.ErrorType
		}
		if errorType == "" {
			return nil, &InvalidBillStatusChange{From: bill.Status, To: target}
		}
		next.ErrorType = errorType
	} else {
		next.ErrorType = ""
	}

	return &next, nil
}
