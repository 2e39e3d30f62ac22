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

// Package gateway is the client for the external payment gateway. Payload
// builders are pure; only GetCustomer and CreateTransaction touch the wire.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fernhealth/fernbill/internal/request"
)

// Payload kinds accepted by the gateway's transaction endpoint.
const (
	KindCharge          = "charge"
	KindTransfer        = "transfer"
	KindRefund          = "refund"
	KindTransferReverse = "transfer_reverse"
)

// PaymentMethod is a payment instrument on file with the gateway.
type PaymentMethod struct {
	Type            string `json:"type"`
	Last4           string `json:"last4"`
	PaymentMethodID string `json:"payment_method_id"`
	CardFunding     string `json:"card_funding,omitempty"`
}

// Customer is the gateway's view of a payor.
type Customer struct {
	CustomerID     string          `json:"customer_id"`
	PaymentMethods []PaymentMethod `json:"payment_methods"`
}

// DefaultPaymentMethod returns the first payment method on file, which the
// gateway orders default-first.
func (c *Customer) DefaultPaymentMethod() (PaymentMethod, bool) {
	if len(c.PaymentMethods) == 0 {
		return PaymentMethod{}, false
	}
	return c.PaymentMethods[0], true
}

// TransactionPayload is a fully built gateway transaction request.
type TransactionPayload struct {
	Kind            string                 `json:"kind"`
	Amount          int64                  `json:"amount"`
	CustomerID      string                 `json:"customer_id,omitempty"`
	RecipientID     string                 `json:"recipient_id,omitempty"`
	PaymentMethodID string                 `json:"payment_method_id,omitempty"`
	TransactionID   string                 `json:"transaction_id,omitempty"`
	Description     string                 `json:"description,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// TransactionData carries the gateway's reported gross amount.
type TransactionData struct {
	Amount int64 `json:"amount"`
}

// Transaction is the gateway's record of an accepted payload.
type Transaction struct {
	TransactionID   string                 `json:"transaction_id"`
	TransactionData TransactionData        `json:"transaction_data"`
	Status          string                 `json:"status"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Error is a structured gateway failure carrying the HTTP-level code, the raw
// response body and the gateway's decline code when one was reported.
type Error struct {
	HTTPCode    int    `json:"http_code"`
	DeclineCode string `json:"decline_code,omitempty"`
	Body        string `json:"body,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error (http %d, decline %q)", e.HTTPCode, e.DeclineCode)
}

// Client is the port the billing orchestrator depends on.
type Client interface {
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	CreateChargePayload(amount int64, customerID string, metadata map[string]interface{}, paymentMethodID string) *TransactionPayload
	CreateTransferPayload(amount int64, recipientID string, metadata map[string]interface{}, description string) *TransactionPayload
	CreateRefundPayload(amount int64, transactionID string, metadata map[string]interface{}) *TransactionPayload
	CreateTransferReversePayload(amount int64, transactionID string, metadata map[string]interface{}) *TransactionPayload
	CreateTransaction(ctx context.Context, payload *TransactionPayload, headers map[string]string) (*Transaction, error)
}

// HTTPClient talks to the real gateway.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, apiKey: apiKey, timeout: timeout}
}

type gatewayErrorBody struct {
	Error struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var customer Customer
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/customers/%s", c.baseURL, customerID), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", request.BearerAuth(c.apiKey))

		resp, err := request.CallWithTimeout(req, &customer, c.timeout)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(&Error{HTTPCode: resp.StatusCode})
		}
		if resp.StatusCode >= 500 {
			return &Error{HTTPCode: resp.StatusCode}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&Error{HTTPCode: resp.StatusCode})
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "fetching gateway customer %s", customerID)
	}
	return &customer, nil
}

func (c *HTTPClient) CreateChargePayload(amount int64, customerID string, metadata map[string]interface{}, paymentMethodID string) *TransactionPayload {
	return &TransactionPayload{
		Kind:            KindCharge,
		Amount:          amount,
		CustomerID:      customerID,
		PaymentMethodID: paymentMethodID,
		Metadata:        metadata,
	}
}

func (c *HTTPClient) CreateTransferPayload(amount int64, recipientID string, metadata map[string]interface{}, description string) *TransactionPayload {
	return &TransactionPayload{
		Kind:        KindTransfer,
		Amount:      amount,
		RecipientID: recipientID,
		Description: description,
		Metadata:    metadata,
	}
}

func (c *HTTPClient) CreateRefundPayload(amount int64, transactionID string, metadata map[string]interface{}) *TransactionPayload {
	return &TransactionPayload{
		Kind:          KindRefund,
		Amount:        amount,
		TransactionID: transactionID,
		Metadata:      metadata,
	}
}

func (c *HTTPClient) CreateTransferReversePayload(amount int64, transactionID string, metadata map[string]interface{}) *TransactionPayload {
	return &TransactionPayload{
		Kind:          KindTransferReverse,
		Amount:        amount,
		TransactionID: transactionID,
		Metadata:      metadata,
	}
}

// CreateTransaction submits a payload to the gateway. Requests carry an
// idempotency key so transient-failure retries cannot move money twice; the
// gateway deduplicates on the key.
func (c *HTTPClient) CreateTransaction(ctx context.Context, payload *TransactionPayload, headers map[string]string) (*Transaction, error) {
	idempotencyKey := headers["Idempotency-Key"]
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	var txn Transaction
	operation := func() error {
		body, err := request.ToJsonReq(payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/transactions", c.baseURL), body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", request.BearerAuth(c.apiKey))
		req.Header.Set("Idempotency-Key", idempotencyKey)
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		var raw map[string]interface{}
		resp, err := request.CallWithTimeout(req, &raw, c.timeout)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			gerr := parseErrorBody(resp.StatusCode, raw)
			if resp.StatusCode >= 500 {
				return gerr
			}
			return backoff.Permanent(gerr)
		}
		return remarshal(raw, &txn)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
	if err != nil {
		logrus.Errorf("gateway transaction %s failed: %v", payload.Kind, err)
		return nil, err
	}
	return &txn, nil
}

func parseErrorBody(httpCode int, raw map[string]interface{}) *Error {
	gerr := &Error{HTTPCode: httpCode}
	if raw == nil {
		return gerr
	}
	var parsed gatewayErrorBody
	if err := remarshal(raw, &parsed); err == nil {
		gerr.DeclineCode = parsed.Error.DeclineCode
		gerr.Body = parsed.Error.Message
	}
	return gerr
}

func remarshal(raw map[string]interface{}, out interface{}) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
