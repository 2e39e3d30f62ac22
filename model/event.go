package model

import (
	"encoding/json"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Gateway event types this engine recognises. Anything else is a structured
// parse error, never a silent drop.
const (
	EventTypeBilling             = "billing_event"
	EventTypePaymentMethodAttach = "payment_method_attach_event"
)

// Transaction statuses reported by the gateway.
const (
	TransactionStatusCompleted  = "completed"
	TransactionStatusFailed     = "failed"
	TransactionStatusPending    = "pending"
	TransactionStatusProcessing = "processing"
)

// GatewayEvent is the inbound webhook envelope produced by the payment
// gateway.
type GatewayEvent struct {
	EventType      string               `json:"event_type"`
	MessagePayload json.RawMessage      `json:"message_payload"`
	ErrorPayload   *GatewayErrorPayload `json:"error_payload,omitempty"`
}

type GatewayErrorPayload struct {
	DeclineCode string `json:"decline_code"`
}

// TransactionData carries the gateway's reported gross amount for the
// transaction, in minor currency units.
type TransactionData struct {
	Amount int64 `json:"amount"`
}

// BillingEventPayload is the message_payload of a billing_event.
type BillingEventPayload struct {
	TransactionID   string                 `json:"transaction_id"`
	TransactionData TransactionData        `json:"transaction_data"`
	Status          string                 `json:"status"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// BillUUID reads the bill uuid out of the transaction metadata.
func (p *BillingEventPayload) BillUUID() string {
	if p.Metadata == nil {
		return ""
	}
	if v, ok := p.Metadata["bill_uuid"].(string); ok {
		return v
	}
	return ""
}

func (p *BillingEventPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.TransactionID, validation.Required),
		validation.Field(&p.Status, validation.Required),
		validation.Field(&p.TransactionData, validation.By(func(interface{}) error {
			if p.TransactionData.Amount == 0 {
				return errors.New("transaction_data.amount is required")
			}
			return nil
		})),
	)
}

// AttachedPaymentMethod is the payment method embedded in a
// payment_method_attach_event.
type AttachedPaymentMethod struct {
	PaymentMethodType string `json:"payment_method_type"`
	Last4             string `json:"last4"`
	PaymentMethodID   string `json:"payment_method_id"`
	CardFunding       string `json:"card_funding,omitempty"`
}

func (m AttachedPaymentMethod) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.PaymentMethodType, validation.Required),
		validation.Field(&m.Last4, validation.Required, validation.Length(4, 4)),
		validation.Field(&m.PaymentMethodID, validation.Required),
	)
}

// PaymentMethodAttachPayload is the message_payload of a
// payment_method_attach_event.
type PaymentMethodAttachPayload struct {
	CustomerID    string                `json:"customer_id"`
	PaymentMethod AttachedPaymentMethod `json:"payment_method"`
}

func (p *PaymentMethodAttachPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.CustomerID, validation.Required, is.UUID),
		validation.Field(&p.PaymentMethod, validation.By(func(interface{}) error {
			return p.PaymentMethod.Validate()
		})),
	)
}

// ParseGatewayEvent decodes the raw webhook body into the envelope without
// touching the payload, so payload errors can be reported per event type.
func ParseGatewayEvent(raw []byte) (*GatewayEvent, error) {
	var event GatewayEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	if event.EventType == "" {
		return nil, errors.New("event_type is required")
	}
	return &event, nil
}
