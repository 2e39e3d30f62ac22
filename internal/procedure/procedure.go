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

// Package procedure is the client for the upstream treatment-procedure
// service that owns procedure state and the employer invoicing calendar.
package procedure

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/fernhealth/fernbill/internal/request"
)

// Procedure statuses as reported by the upstream service.
const (
	StatusScheduled          = "SCHEDULED"
	StatusCompleted          = "COMPLETED"
	StatusPartiallyCompleted = "PARTIALLY_COMPLETED"
	StatusCancelled          = "CANCELLED"
)

// Procedure is the billing-relevant slice of a treatment procedure.
type Procedure struct {
	UUID                  string     `json:"id"`
	Cost                  int64      `json:"cost"`
	Status                string     `json:"status"`
	MemberID              string     `json:"member_id"`
	FertilityClinicID     string     `json:"fertility_clinic_id"`
	ReimbursementWalletID string     `json:"reimbursement_wallet_id"`
	EndDate               *time.Time `json:"end_date,omitempty"`
}

// IsCancelled reports whether new money movement against this procedure is
// forbidden.
func (p *Procedure) IsCancelled() bool {
	return p.Status == StatusCancelled
}

// Service is the port the billing orchestrator depends on.
type Service interface {
	GetProcedure(ctx context.Context, procedureUUID string) (*Procedure, error)
	CanEmployerBillBeProcessed(ctx context.Context, procedureUUID string) (bool, error)
}

// HTTPService talks to the real treatment-procedure service.
type HTTPService struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

func NewHTTPService(baseURL, apiKey string, timeout time.Duration) *HTTPService {
	return &HTTPService{baseURL: baseURL, apiKey: apiKey, timeout: timeout}
}

func (s *HTTPService) GetProcedure(ctx context.Context, procedureUUID string) (*Procedure, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/procedures/%s", s.baseURL, procedureUUID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", request.BearerAuth(s.apiKey))

	var procedure Procedure
	resp, err := request.CallWithTimeout(req, &procedure, s.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching procedure %s", procedureUUID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("procedure service returned %d for %s", resp.StatusCode, procedureUUID)
	}
	return &procedure, nil
}

// CanEmployerBillBeProcessed asks the upstream service whether an employer
// bill for this procedure has already entered an invoice run. Invoiced bills
// are settled out of band and must not be refunded through the gateway.
func (s *HTTPService) CanEmployerBillBeProcessed(ctx context.Context, procedureUUID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/procedures/%s/employer-billable", s.baseURL, procedureUUID), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", request.BearerAuth(s.apiKey))

	var body struct {
		Processable bool `json:"processable"`
	}
	resp, err := request.CallWithTimeout(req, &body, s.timeout)
	if err != nil {
		return false, errors.Wrapf(err, "checking employer billability for procedure %s", procedureUUID)
	}
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("procedure service returned %d for %s", resp.StatusCode, procedureUUID)
	}
	return body.Processable, nil
}
