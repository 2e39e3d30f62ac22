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

	"github.com/fernhealth/fernbill/internal/gateway"
	"github.com/fernhealth/fernbill/internal/procedure"
)

// MockGatewayClient is a function-field fake of the gateway client. Payload
// builders delegate to a real HTTPClient; only the wire calls are faked.
type MockGatewayClient struct {
	gateway.HTTPClient
	MockGetCustomer       func(ctx context.Context, customerID string) (*gateway.Customer, error)
	MockCreateTransaction func(ctx context.Context, payload *gateway.TransactionPayload, headers map[string]string) (*gateway.Transaction, error)
}

func (m *MockGatewayClient) GetCustomer(ctx context.Context, customerID string) (*gateway.Customer, error) {
	if m.MockGetCustomer != nil {
		return m.MockGetCustomer(ctx, customerID)
	}
	return &gateway.Customer{CustomerID: customerID, PaymentMethods: []gateway.PaymentMethod{
		{Type: "card", Last4: "4242", PaymentMethodID: "pm_mock", CardFunding: "CREDIT"},
	}}, nil
}

func (m *MockGatewayClient) CreateTransaction(ctx context.Context, payload *gateway.TransactionPayload, headers map[string]string) (*gateway.Transaction, error) {
	if m.MockCreateTransaction != nil {
		return m.MockCreateTransaction(ctx, payload, headers)
	}
	return &gateway.Transaction{
		TransactionID:   "txn_mock",
		TransactionData: gateway.TransactionData{Amount: payload.Amount},
		Status:          "completed",
		Metadata:        payload.Metadata,
	}, nil
}

// MockProcedureService is a function-field fake of the procedure service.
type MockProcedureService struct {
	MockGetProcedure               func(ctx context.Context, procedureUUID string) (*procedure.Procedure, error)
	MockCanEmployerBillBeProcessed func(ctx context.Context, procedureUUID string) (bool, error)
}

func (m *MockProcedureService) GetProcedure(ctx context.Context, procedureUUID string) (*procedure.Procedure, error) {
	if m.MockGetProcedure != nil {
		return m.MockGetProcedure(ctx, procedureUUID)
	}
	return &procedure.Procedure{
		UUID:   procedureUUID,
		Cost:   100000,
		Status: procedure.StatusCompleted,
	}, nil
}

func (m *MockProcedureService) CanEmployerBillBeProcessed(ctx context.Context, procedureUUID string) (bool, error) {
	if m.MockCanEmployerBillBeProcessed != nil {
		return m.MockCanEmployerBillBeProcessed(ctx, procedureUUID)
	}
	return true, nil
}
