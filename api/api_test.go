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
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/fernhealth/fernbill"
	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/database"
	"github.com/fernhealth/fernbill/model"
)

const testSecretKey = "test-secret"

func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Server:     config.ServerConfig{Secure: true, SecretKey: testSecretKey},
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost:5432/fernbill"},
		Redis:      config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{
			RetryQueue:        "new:bill_retry",
			NotificationQueue: "new:bill_notification",
			MaxRetryAttempts:  5,
		},
		Gateway: config.GatewayConfig{BaseURL: "https://gateway.test", TimeoutSeconds: 1},
		Billing: config.BillingConfig{
			FeePercent:            "2.9",
			FeeExemptFundings:     []string{"HSA", "FSA"},
			AutoProcessFloor:      100,
			MemberChargeDelayDays: 14,
			DeclineCodes:          config.DefaultDeclineCodes(),
		},
	})

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fern, err := fernbill.NewFernbill(&database.Datasource{Conn: db})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	return NewAPI(fern).Router(), mock
}

func doRequest(router *gin.Engine, method, path string, body []byte, authorized bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("X-Fernbill-Key", testSecretKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

var billQueryColumns = []string{
	"id", "bill_id", "payor_type", "payor_id", "procedure_id", "cost_breakdown_id",
	"amount", "last_calculated_fee",
	"payment_method", "payment_method_type", "payment_method_id", "payment_method_label", "card_funding",
	"status", "error_type", "is_ephemeral", "version",
	"processing_scheduled_at_or_after", "processing_at", "paid_at", "failed_at", "refunded_at", "cancelled_at",
	"created_at", "modified_at", "meta_data",
}

func storedBillRow(billUUID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(billQueryColumns).AddRow(
		1, billUUID, model.PayorTypeMember, "member_1", "proc_1", "",
		50000, 1450,
		model.PaymentMethodGateway, "card", "pm_1", "4242", "CREDIT",
		model.StatusNew, "", false, 0,
		now, nil, nil, nil, nil, nil,
		now, now, []byte(`{}`),
	)
}

func TestRequestsWithoutSecretKeyAreRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestsWithWrongSecretKeyAreRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Fernbill-Key", "wrong-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetBillEndpoint(t *testing.T) {
	router, mock := newTestRouter(t)

	billUUID := model.GenerateUUIDWithSuffix("bill")
	mock.ExpectQuery("SELECT (.+) FROM bills WHERE bill_id = \\$1").
		WithArgs(billUUID).
		WillReturnRows(storedBillRow(billUUID))

	w := doRequest(router, http.MethodGet, "/bills/"+billUUID, nil, true)
	assert.Equal(t, http.StatusOK, w.Code)

	var got model.Bill
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, billUUID, got.UUID)
	assert.Equal(t, int64(50000), got.Amount)
}

func TestGetBillEndpointNotFound(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM bills WHERE bill_id = \\$1").
		WithArgs("bill_missing").
		WillReturnError(sql.ErrNoRows)

	w := doRequest(router, http.MethodGet, "/bills/bill_missing", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateBillEndpointValidatesPayload(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]interface{}{
		"payor_type":   "SOMEONE",
		"payor_id":     "member_1",
		"procedure_id": "proc_1",
		"amount":       0,
	})
	w := doRequest(router, http.MethodPost, "/bills", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBillsByProcedureRequiresQueryParam(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/bills", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefundBillEndpointRejectsNegativeAmount(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]interface{}{"amount": -100})
	w := doRequest(router, http.MethodPost, "/bills/bill_1/refund", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGatewayWebhookRejectsMalformedEvent(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/webhooks/payments", []byte(`{"event_type": "mystery_event"}`), true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["violations"])
}
