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
package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fernhealth/fernbill/model"
)

// CreateBill is the request body for POST /bills.
type CreateBill struct {
	PayorType       string                 `json:"payor_type"`
	PayorID         string                 `json:"payor_id"`
	ProcedureID     string                 `json:"procedure_id"`
	CostBreakdownID string                 `json:"cost_breakdown_id"`
	Amount          int64                  `json:"amount"`
	PaymentMethod   string                 `json:"payment_method"`
	IsEphemeral     bool                   `json:"is_ephemeral"`
	MetaData        map[string]interface{} `json:"meta_data"`
}

func (b *CreateBill) ValidateCreateBill() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.PayorType, validation.Required, validation.In(model.PayorTypeMember, model.PayorTypeEmployer, model.PayorTypeClinic)),
		validation.Field(&b.PayorID, validation.Required),
		validation.Field(&b.ProcedureID, validation.Required),
		validation.Field(&b.Amount, validation.Required, validation.By(func(interface{}) error {
			if b.Amount == 0 {
				return errors.New("amount cannot be zero")
			}
			return nil
		})),
		validation.Field(&b.PaymentMethod, validation.When(b.PaymentMethod != "",
			validation.In(model.PaymentMethodGateway, model.PaymentMethodOffline))),
	)
}

func (b *CreateBill) ToBill() *model.Bill {
	return &model.Bill{
		PayorType:       b.PayorType,
		PayorID:         b.PayorID,
		ProcedureID:     b.ProcedureID,
		CostBreakdownID: b.CostBreakdownID,
		Amount:          b.Amount,
		PaymentMethod:   b.PaymentMethod,
		IsEphemeral:     b.IsEphemeral,
		MetaData:        b.MetaData,
	}
}

// CreateRefund is the request body for POST /bills/:id/refund. A zero Amount
// refunds the bill's full remaining value.
type CreateRefund struct {
	Amount    int64  `json:"amount"`
	Initiator string `json:"initiator"`
}

func (r *CreateRefund) ValidateCreateRefund() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Amount, validation.Min(int64(0))),
	)
}

// SubmitBill is the request body for POST /bills/:id/submit.
type SubmitBill struct {
	Initiator string `json:"initiator"`
}
