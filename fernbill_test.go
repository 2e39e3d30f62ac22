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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/database"
	redis_db "github.com/fernhealth/fernbill/internal/redis-db"
	"github.com/fernhealth/fernbill/model"
)

func newTestConfiguration(redisAddr string) *config.Configuration {
	return &config.Configuration{
		Redis: config.RedisConfig{Dns: redisAddr},
		Queue: config.QueueConfig{
			RetryQueue:        "new:bill_retry",
			NotificationQueue: "new:bill_notification",
			MaxRetryAttempts:  5,
		},
		Billing: config.BillingConfig{
			FeePercent:            "2.9",
			FeeExemptFundings:     []string{"HSA", "FSA"},
			AutoProcessFloor:      100,
			MemberChargeDelayDays: 14,
			DeclineCodes:          config.DefaultDeclineCodes(),
		},
	}
}

// newTestFernbill wires an engine against sqlmock, miniredis and the mock
// gateway/procedure clients. The datasource carries no cache so every read
// hits the sqlmock expectations.
func newTestFernbill(t *testing.T) (*Fernbill, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(newTestConfiguration(mr.Addr()))

	// Register the configured queues so Inspector calls on an empty queue
	// return no tasks instead of "queue not found".
	if _, err := mr.SAdd("asynq:queues", "new:bill_retry", "new:bill_notification"); err != nil {
		t.Fatalf("error registering asynq queues: %s", err)
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", mr.Addr())}, false)
	if err != nil {
		t.Fatalf("error creating redis client: %s", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: mr.Addr()}
	queue := &Queue{Client: asynq.NewClient(queueOptions), Inspector: asynq.NewInspector(queueOptions)}

	f := &Fernbill{
		queue:      queue,
		redis:      redisClient.Client(),
		datasource: &database.Datasource{Conn: db},
		gateway:    &MockGatewayClient{},
		procedures: &MockProcedureService{},
	}
	return f, mock, mr
}

func getBillMock(status string) *model.Bill {
	now := time.Now()
	return &model.Bill{
		ID:                           1,
		UUID:                         model.GenerateUUIDWithSuffix("bill"),
		PayorType:                    model.PayorTypeMember,
		PayorID:                      gofakeit.UUID(),
		ProcedureID:                  gofakeit.UUID(),
		Amount:                       50000,
		LastCalculatedFee:            1450,
		PaymentMethod:                model.PaymentMethodGateway,
		PaymentMethodType:            "card",
		PaymentMethodID:              "pm_mock",
		PaymentMethodLabel:           "4242",
		CardFunding:                  "CREDIT",
		Status:                       status,
		ProcessingScheduledAtOrAfter: now.Add(-time.Hour),
		CreatedAt:                    now,
		ModifiedAt:                   now,
	}
}

var billTestColumns = []string{
	"id", "bill_id", "payor_type", "payor_id", "procedure_id", "cost_breakdown_id",
	"amount", "last_calculated_fee",
	"payment_method", "payment_method_type", "payment_method_id", "payment_method_label", "card_funding",
	"status", "error_type", "is_ephemeral", "version",
	"processing_scheduled_at_or_after", "processing_at", "paid_at", "failed_at", "refunded_at", "cancelled_at",
	"created_at", "modified_at", "meta_data",
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func billRows(bills ...*model.Bill) *sqlmock.Rows {
	rows := sqlmock.NewRows(billTestColumns)
	for _, bill := range bills {
		var metaDataJSON []byte
		if bill.MetaData != nil {
			metaDataJSON, _ = json.Marshal(bill.MetaData)
		}
		rows.AddRow(
			bill.ID, bill.UUID, bill.PayorType, bill.PayorID, bill.ProcedureID, bill.CostBreakdownID,
			bill.Amount, bill.LastCalculatedFee,
			bill.PaymentMethod, bill.PaymentMethodType, bill.PaymentMethodID, bill.PaymentMethodLabel, bill.CardFunding,
			bill.Status, bill.ErrorType, bill.IsEphemeral, bill.Version,
			bill.ProcessingScheduledAtOrAfter, nullTime(bill.ProcessingAt), nullTime(bill.PaidAt), nullTime(bill.FailedAt), nullTime(bill.RefundedAt), nullTime(bill.CancelledAt),
			bill.CreatedAt, bill.ModifiedAt, metaDataJSON,
		)
	}
	return rows
}

var recordTestColumns = []string{
	"id", "record_id", "bill_id", "bill_status", "processing_record_type", "body", "transaction_id", "created_at",
}

func recordRows(records ...*model.BillProcessingRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows(recordTestColumns)
	for i, record := range records {
		var bodyJSON []byte
		if record.Body != nil {
			bodyJSON, _ = json.Marshal(record.Body)
		}
		rows.AddRow(
			int64(i+1), record.RecordID, record.BillUUID, record.BillStatus, record.RecordType, bodyJSON, record.TransactionID, record.CreatedAt,
		)
	}
	return rows
}

func expectBillSelect(mock sqlmock.Sqlmock, bill *model.Bill) {
	mock.ExpectQuery("SELECT (.+) FROM bills WHERE bill_id = \\$1").
		WithArgs(bill.UUID).
		WillReturnRows(billRows(bill))
}

func expectRecordsSelect(mock sqlmock.Sqlmock, billUUID string, records ...*model.BillProcessingRecord) {
	mock.ExpectQuery("SELECT (.+) FROM bill_processing_records WHERE bill_id = \\$1").
		WithArgs(billUUID).
		WillReturnRows(recordRows(records...))
}

// expectBillTransition matches one UpdateBillWithRecord round trip: the
// versioned bill update and the processing record insert inside a single
// transaction.
func expectBillTransition(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bills SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bill_processing_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func expectRecordInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO bill_processing_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestGetBill(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	bill := getBillMock(model.StatusNew)
	expectBillSelect(mock, bill)

	got, err := f.GetBill(context.Background(), bill.UUID)
	assert.NoError(t, err)
	assert.Equal(t, bill.UUID, got.UUID)
	assert.Equal(t, model.StatusNew, got.Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestGetProcessingRecordsChecksBillExists(t *testing.T) {
	f, mock, _ := newTestFernbill(t)

	mock.ExpectQuery("SELECT (.+) FROM bills WHERE bill_id = \\$1").
		WithArgs("bill_missing").
		WillReturnRows(billRows())

	_, err := f.GetProcessingRecords(context.Background(), "bill_missing")
	assert.Error(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
