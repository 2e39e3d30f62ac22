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
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/model"
)

// CalculateFee returns the processing fee for a bill amount, in minor units.
// The fee carries the same sign as the amount, so refund bills recoup the fee
// charged on the original. Exempt card fundings and non-gateway payments pay
// no fee. Decimal math throughout; the percentage is only converted back to
// minor units after rounding half away from zero.
func CalculateFee(conf *config.Configuration, amount int64, paymentMethod, cardFunding string) (int64, error) {
	if amount == 0 || paymentMethod != model.PaymentMethodGateway {
		return 0, nil
	}
	for _, exempt := range conf.Billing.FeeExemptFundings {
		if strings.EqualFold(exempt, cardFunding) {
			return 0, nil
		}
	}

	percent, err := decimal.NewFromString(conf.Billing.FeePercent)
	if err != nil {
		return 0, err
	}

	fee := decimal.NewFromInt(amount).
		Mul(percent).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return fee.IntPart(), nil
}

// calculateFeeForBill computes the fee from a bill's own payment snapshot.
func calculateFeeForBill(conf *config.Configuration, bill *model.Bill) (int64, error) {
	return CalculateFee(conf, bill.Amount, bill.PaymentMethod, bill.CardFunding)
}
