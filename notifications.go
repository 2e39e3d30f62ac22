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
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/internal/notification"
	"github.com/fernhealth/fernbill/internal/request"
	"github.com/fernhealth/fernbill/model"
)

// Payor-facing event names.
const (
	EventPaymentConfirmed       = "mmb_payment_confirmed"
	EventRefundConfirmation     = "mmb_refund_confirmation"
	EventPaymentProcessingError = "mmb_payment_processing_error"
	EventPaymentAdjustedRefund  = "mmb_payment_adjusted_refund"
)

// PayorNotification is the event shape handed to the downstream notification
// sink.
type PayorNotification struct {
	UserID            string                 `json:"user_id"`
	UserIDType        string                 `json:"user_id_type"`
	UserType          string                 `json:"user_type"`
	EventSourceSystem string                 `json:"event_source_system"`
	EventName         string                 `json:"event_name"`
	EventProperties   map[string]interface{} `json:"event_properties"`
}

// notifyBillOutcome queues the member-facing event for a bill that just
// reached a terminal or failed status. Employer and clinic settlements have
// no end user to tell. Fire and forget; a lost notification never blocks or
// unwinds a bill transition.
func (f *Fernbill) notifyBillOutcome(ctx context.Context, bill *model.Bill) {
	if bill.PayorType != model.PayorTypeMember {
		return
	}

	eventName := ""
	var statusAt *time.Time
	switch bill.Status {
	case model.StatusPaid:
		eventName = EventPaymentConfirmed
		statusAt = bill.PaidAt
	case model.StatusFailed:
		eventName = EventPaymentProcessingError
		statusAt = bill.FailedAt
	case model.StatusRefunded:
		eventName = EventRefundConfirmation
		statusAt = bill.RefundedAt
		if settlement, ok := bill.MetaData["settlement"].(string); ok && settlement == "offset" {
			eventName = EventPaymentAdjustedRefund
		}
	default:
		return
	}

	when := time.Now()
	if statusAt != nil {
		when = *statusAt
	}
	// Amounts leave the engine as minor units; members see dollars and a
	// readable date.
	amount := decimal.NewFromInt(bill.GrossAmount()).Div(decimal.NewFromInt(100)).StringFixed(2)

	payorNotification := &PayorNotification{
		UserID:            bill.PayorID,
		UserIDType:        "UUID",
		UserType:          bill.PayorType,
		EventSourceSystem: "BILLING",
		EventName:         eventName,
		EventProperties: map[string]interface{}{
			"bill_id":      bill.UUID,
			"procedure_id": bill.ProcedureID,
			"amount":       amount,
			"date":         when.Format("January 2, 2006"),
			"error_type":   bill.ErrorType,
		},
	}

	if err := f.queue.EnqueueNotification(ctx, payorNotification); err != nil {
		logrus.Errorf("failed to enqueue %s for bill %s: %v", eventName, bill.UUID, err)
		notification.NotifyError(err)
	}
}

// ProcessNotification is the worker handler for the notification queue. It
// delivers one payor event to the configured sink; a non-2xx response is an
// error so asynq redelivers with backoff.
func (f *Fernbill) ProcessNotification(ctx context.Context, task *asynq.Task) error {
	var payorNotification PayorNotification
	if err := json.Unmarshal(task.Payload(), &payorNotification); err != nil {
		return err
	}

	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Events.Url == "" {
		logrus.Warnf("no notification sink configured, dropping %s for %s", payorNotification.EventName, payorNotification.UserID)
		return nil
	}

	payload, err := request.ToJsonReq(&payorNotification)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Events.Url, payload)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Events.Headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	resp, err := request.CallWithTimeout(req, &response, 15*time.Second)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification sink returned %d for %s", resp.StatusCode, payorNotification.EventName)
	}
	return nil
}
