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
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/fernhealth/fernbill"
	model2 "github.com/fernhealth/fernbill/api/model"
	"github.com/fernhealth/fernbill/internal/apierror"
	"github.com/fernhealth/fernbill/model"
)

// respondError translates engine errors onto HTTP statuses. Domain rule
// violations are client errors; everything unrecognised is a 500.
func respondError(c *gin.Context, err error) {
	var (
		setupErr      *fernbill.PaymentsGatewaySetupError
		statusErr     *fernbill.InvalidInputBillStatus
		changeErr     *fernbill.InvalidBillStatusChange
		ephemeralErr  *fernbill.InvalidEphemeralBillOperation
		cancelledErr  *fernbill.InvalidBillTreatmentProcedureCancelled
		refundErr     *fernbill.InvalidRefundBillCreation
		payerErr      *fernbill.InvalidRefundBillPayerType
		processingErr *fernbill.MessageProcessingError
	)
	switch {
	case errors.As(err, &setupErr),
		errors.As(err, &statusErr),
		errors.As(err, &changeErr),
		errors.As(err, &ephemeralErr),
		errors.As(err, &cancelledErr),
		errors.As(err, &refundErr),
		errors.As(err, &payerErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &processingErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "violations": processingErr.Violations})
	default:
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
	}
}

// CreateBill handles the creation of a new bill in NEW status.
func (a Api) CreateBill(c *gin.Context) {
	var newBill model2.CreateBill
	if err := c.ShouldBindJSON(&newBill); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newBill.ValidateCreateBill(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.fern.CreateBill(c.Request.Context(), newBill.ToBill())
	if err != nil {
		logrus.Error(err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetBill(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	bill, err := a.fern.GetBill(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, bill)
}

// GetBillsByProcedure lists bills filtered by procedure id.
func (a Api) GetBillsByProcedure(c *gin.Context) {
	procedureID := c.Query("procedure_id")
	if procedureID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "procedure_id query parameter is required"})
		return
	}

	bills, err := a.fern.GetBillsByProcedure(c.Request.Context(), procedureID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, bills)
}

func (a Api) GetProcessingRecords(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	records, err := a.fern.GetProcessingRecords(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, records)
}

// SubmitBill pushes a NEW bill through the gateway.
func (a Api) SubmitBill(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var body model2.SubmitBill
	if err := c.ShouldBindJSON(&body); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if body.Initiator == "" {
		body.Initiator = "api"
	}

	bill, err := a.fern.SubmitNewBill(c.Request.Context(), id, body.Initiator)
	if err != nil {
		logrus.Error(err)
		// A gateway decline still moved the bill to FAILED; surface the
		// resulting bill state alongside the error.
		if bill != nil {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error(), "bill": bill})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, bill)
}

func (a Api) CancelBill(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var body model2.SubmitBill
	if err := c.ShouldBindJSON(&body); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if body.Initiator == "" {
		body.Initiator = "api"
	}

	bill, err := a.fern.CancelBill(c.Request.Context(), id, body.Initiator)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, bill)
}

// RefundBill raises a refund against a bill: the full remaining value by
// default, or a partial amount when one is supplied.
func (a Api) RefundBill(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var body model2.CreateRefund
	if err := c.ShouldBindJSON(&body); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := body.ValidateCreateRefund(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if body.Initiator == "" {
		body.Initiator = "api"
	}

	var refund *model.Bill
	var err error
	if body.Amount > 0 {
		refund, err = a.fern.CreatePartialRefundBillFromBill(c.Request.Context(), id, body.Amount, body.Initiator)
	} else {
		refund, err = a.fern.CreateFullRefundBillFromBill(c.Request.Context(), id, body.Initiator)
	}
	if err != nil {
		logrus.Error(err)
		respondError(c, err)
		return
	}
	if refund == nil {
		c.JSON(http.StatusOK, gin.H{"message": "no refund required"})
		return
	}
	if !refund.IsRefundDirection() {
		// Deliberate no-op: the original bill comes back unchanged.
		c.JSON(http.StatusOK, refund)
		return
	}

	c.JSON(http.StatusCreated, refund)
}

// GatewayWebhook receives payment gateway events. A rejected payload returns
// 422 with the collected violations so the gateway's redelivery gets a
// diagnosable failure, not a silent 200.
func (a Api) GatewayWebhook(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := a.fern.ProcessGatewayEvent(c.Request.Context(), raw); err != nil {
		logrus.Error(err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "event processed"})
}
