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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/fernhealth/fernbill/internal/apierror"
	"github.com/fernhealth/fernbill/model"
)

const billCacheTTL = 5 * time.Minute

func billCacheKey(billUUID string) string {
	return fmt.Sprintf("bill:%s", billUUID)
}

const billColumns = `
	id, bill_id, payor_type, payor_id, procedure_id, cost_breakdown_id,
	amount, last_calculated_fee,
	payment_method, payment_method_type, payment_method_id, payment_method_label, card_funding,
	status, error_type, is_ephemeral, version,
	processing_scheduled_at_or_after, processing_at, paid_at, failed_at, refunded_at, cancelled_at,
	created_at, modified_at, meta_data`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBill(row rowScanner) (*model.Bill, error) {
	bill := &model.Bill{}
	var (
		costBreakdownID, paymentMethod, paymentMethodType   sql.NullString
		paymentMethodID, paymentMethodLabel, cardFunding    sql.NullString
		errorType                                           sql.NullString
		scheduledAt                                         sql.NullTime
		processingAt, paidAt, failedAt, refundedAt, cancAt  sql.NullTime
		metaDataJSON                                        []byte
	)
	err := row.Scan(
		&bill.ID, &bill.UUID, &bill.PayorType, &bill.PayorID, &bill.ProcedureID, &costBreakdownID,
		&bill.Amount, &bill.LastCalculatedFee,
		&paymentMethod, &paymentMethodType, &paymentMethodID, &paymentMethodLabel, &cardFunding,
		&bill.Status, &errorType, &bill.IsEphemeral, &bill.Version,
		&scheduledAt, &processingAt, &paidAt, &failedAt, &refundedAt, &cancAt,
		&bill.CreatedAt, &bill.ModifiedAt, &metaDataJSON,
	)
	if err != nil {
		return nil, err
	}

	bill.CostBreakdownID = costBreakdownID.String
	bill.PaymentMethod = paymentMethod.String
	bill.PaymentMethodType = paymentMethodType.String
	bill.PaymentMethodID = paymentMethodID.String
	bill.PaymentMethodLabel = paymentMethodLabel.String
	bill.CardFunding = cardFunding.String
	bill.ErrorType = errorType.String
	if scheduledAt.Valid {
		bill.ProcessingScheduledAtOrAfter = scheduledAt.Time
	}
	bill.ProcessingAt = nullableTime(processingAt)
	bill.PaidAt = nullableTime(paidAt)
	bill.FailedAt = nullableTime(failedAt)
	bill.RefundedAt = nullableTime(refundedAt)
	bill.CancelledAt = nullableTime(cancAt)

	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &bill.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}
	return bill, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertBillRow(ctx context.Context, q queryRower, bill *model.Bill) error {
	if bill.UUID == "" {
		bill.UUID = model.GenerateUUIDWithSuffix("bill")
	}
	if bill.Status == "" {
		bill.Status = model.StatusNew
	}
	bill.CreatedAt = time.Now()
	bill.ModifiedAt = bill.CreatedAt

	metaDataJSON, err := json.Marshal(bill.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO bills (
			bill_id, payor_type, payor_id, procedure_id, cost_breakdown_id,
			amount, last_calculated_fee,
			payment_method, payment_method_type, payment_method_id, payment_method_label, card_funding,
			status, error_type, is_ephemeral, version,
			processing_scheduled_at_or_after, created_at, modified_at, meta_data
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING id
	`,
		bill.UUID, bill.PayorType, bill.PayorID, bill.ProcedureID, bill.CostBreakdownID,
		bill.Amount, bill.LastCalculatedFee,
		bill.PaymentMethod, bill.PaymentMethodType, bill.PaymentMethodID, bill.PaymentMethodLabel, bill.CardFunding,
		bill.Status, bill.ErrorType, bill.IsEphemeral, bill.Version,
		bill.ProcessingScheduledAtOrAfter, bill.CreatedAt, bill.ModifiedAt, metaDataJSON,
	).Scan(&bill.ID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create bill", err)
	}
	return nil
}

// CreateBill inserts a bill. The bill row is the authoritative state; every
// later change goes through UpdateBillWithRecord or CommitBillWrites.
func (d Datasource) CreateBill(ctx context.Context, bill *model.Bill) (*model.Bill, error) {
	ctx, span := otel.Tracer("bill.database").Start(ctx, "Saving bill to db")
	defer span.End()

	if err := insertBillRow(ctx, d.Conn, bill); err != nil {
		return nil, err
	}

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, billCacheKey(bill.UUID), bill, billCacheTTL); err != nil {
			span.RecordError(err)
		}
	}
	return bill, nil
}

func (d Datasource) GetBillByUUID(ctx context.Context, billUUID string) (*model.Bill, error) {
	ctx, span := otel.Tracer("bill.database").Start(ctx, "Getting bill from db")
	defer span.End()

	if d.Cache != nil {
		cached := &model.Bill{}
		if err := d.Cache.Get(ctx, billCacheKey(billUUID), cached); err == nil && cached.UUID == billUUID {
			return cached, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE bill_id = $1
	`, billUUID)

	bill, err := scanBill(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Bill with ID '%s' not found", billUUID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve bill", err)
	}
	return bill, nil
}

func (d Datasource) GetBillsByProcedure(ctx context.Context, procedureUUID string) ([]*model.Bill, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE procedure_id = $1
		ORDER BY created_at DESC, id DESC
	`, procedureUUID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve bills", err)
	}
	defer rows.Close()

	return collectBills(rows)
}

// GetBillsByPayor returns a payor's bills, newest first, optionally narrowed
// to a status set.
func (d Datasource) GetBillsByPayor(ctx context.Context, payorType, payorID string, statuses []string) ([]*model.Bill, error) {
	query := `
		SELECT ` + billColumns + `
		FROM bills
		WHERE payor_type = $1 AND payor_id = $2`
	args := []interface{}{payorType, payorID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($3)`
		args = append(args, pq.Array(statuses))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve bills", err)
	}
	defer rows.Close()

	return collectBills(rows)
}

// GetBillsByTransactionID resolves bills through their processing records.
// Gateway events carry a transaction id, not a bill id.
func (d Datasource) GetBillsByTransactionID(ctx context.Context, transactionID string) ([]*model.Bill, error) {
	ctx, span := otel.Tracer("bill.database").Start(ctx, "Getting bills from db by transaction id")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT DISTINCT `+prefixedBillColumns("b")+`
		FROM bills b
		JOIN bill_processing_records r ON r.bill_id = b.bill_id
		WHERE r.transaction_id = $1
	`, transactionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve bills", err)
	}
	defer rows.Close()

	return collectBills(rows)
}

// updateBillRow replaces the stored bill row under an optimistic version
// check. A stale version updates zero rows and surfaces as a conflict.
func updateBillRow(ctx context.Context, ex execer, bill *model.Bill) error {
	metaDataJSON, err := json.Marshal(bill.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	bill.ModifiedAt = time.Now()
	result, err := ex.ExecContext(ctx, `
		UPDATE bills SET
			amount = $3, last_calculated_fee = $4,
			payment_method = $5, payment_method_type = $6, payment_method_id = $7,
			payment_method_label = $8, card_funding = $9,
			status = $10, error_type = $11, is_ephemeral = $12,
			processing_scheduled_at_or_after = $13,
			processing_at = $14, paid_at = $15, failed_at = $16, refunded_at = $17, cancelled_at = $18,
			modified_at = $19, meta_data = $20,
			version = version + 1
		WHERE bill_id = $1 AND version = $2
	`,
		bill.UUID, bill.Version,
		bill.Amount, bill.LastCalculatedFee,
		bill.PaymentMethod, bill.PaymentMethodType, bill.PaymentMethodID,
		bill.PaymentMethodLabel, bill.CardFunding,
		bill.Status, bill.ErrorType, bill.IsEphemeral,
		bill.ProcessingScheduledAtOrAfter,
		bill.ProcessingAt, bill.PaidAt, bill.FailedAt, bill.RefundedAt, bill.CancelledAt,
		bill.ModifiedAt, metaDataJSON,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update bill", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Bill '%s' was modified concurrently", bill.UUID), nil)
	}
	return nil
}

// UpdateBillWithRecord replaces the stored bill row and appends its processing
// record in one transaction, guarded by an optimistic version check. A stale
// version rolls the whole write back as a conflict.
func (d Datasource) UpdateBillWithRecord(ctx context.Context, bill *model.Bill, record *model.BillProcessingRecord) (*model.Bill, error) {
	ctx, span := otel.Tracer("bill.database").Start(ctx, "Updating bill with processing record")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := updateBillRow(ctx, tx, bill); err != nil {
		return nil, err
	}
	if record != nil {
		if err := insertProcessingRecord(ctx, tx, record); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit bill update", err)
	}

	bill.Version++
	if d.Cache != nil {
		if err := d.Cache.Set(ctx, billCacheKey(bill.UUID), bill, billCacheTTL); err != nil {
			span.RecordError(err)
		}
	}
	return bill, nil
}

// BillWrite pairs a bill's replacement row with the processing records the
// write appends. The records are inserted in order, so the bill row always
// matches its latest record's status once the write lands.
type BillWrite struct {
	Bill    *model.Bill
	Records []*model.BillProcessingRecord
}

// CommitBillWrites applies several bill row replacements, their processing
// records and optional new bill inserts in one transaction. Flows that touch
// more than one bill commit through here so partial application is never
// observable; each replacement carries the same optimistic version check as
// UpdateBillWithRecord.
func (d Datasource) CommitBillWrites(ctx context.Context, writes []BillWrite, creates []*model.Bill) error {
	ctx, span := otel.Tracer("bill.database").Start(ctx, "Committing bill writes")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, write := range writes {
		if err := updateBillRow(ctx, tx, write.Bill); err != nil {
			return err
		}
		for _, record := range write.Records {
			if err := insertProcessingRecord(ctx, tx, record); err != nil {
				return err
			}
		}
	}
	for _, bill := range creates {
		if err := insertBillRow(ctx, tx, bill); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit bill writes", err)
	}

	for _, write := range writes {
		write.Bill.Version++
		if d.Cache != nil {
			if err := d.Cache.Set(ctx, billCacheKey(write.Bill.UUID), write.Bill, billCacheTTL); err != nil {
				span.RecordError(err)
			}
		}
	}
	if d.Cache != nil {
		for _, bill := range creates {
			if err := d.Cache.Set(ctx, billCacheKey(bill.UUID), bill, billCacheTTL); err != nil {
				span.RecordError(err)
			}
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertProcessingRecord(ctx context.Context, ex execer, record *model.BillProcessingRecord) error {
	bodyJSON, err := json.Marshal(record.Body)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal record body", err)
	}

	if record.RecordID == "" {
		record.RecordID = model.GenerateUUIDWithSuffix("rec")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO bill_processing_records (record_id, bill_id, bill_status, processing_record_type, body, transaction_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, record.RecordID, record.BillUUID, record.BillStatus, record.RecordType, bodyJSON, record.TransactionID, record.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record bill processing", err)
	}
	return nil
}

// CreateProcessingRecord appends a record without touching the bill row, for
// audit entries that do not change bill state (refund linkage stamps and
// gateway request snapshots).
func (d Datasource) CreateProcessingRecord(ctx context.Context, record *model.BillProcessingRecord) (*model.BillProcessingRecord, error) {
	ctx, span := otel.Tracer("bill.database").Start(ctx, "Saving processing record to db")
	defer span.End()

	if err := insertProcessingRecord(ctx, d.Conn, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GetProcessingRecords returns a bill's records, newest first.
func (d Datasource) GetProcessingRecords(ctx context.Context, billUUID string) ([]*model.BillProcessingRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, record_id, bill_id, bill_status, processing_record_type, body, transaction_id, created_at
		FROM bill_processing_records
		WHERE bill_id = $1
		ORDER BY created_at DESC, id DESC
	`, billUUID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve processing records", err)
	}
	defer rows.Close()

	var records []*model.BillProcessingRecord
	for rows.Next() {
		record := &model.BillProcessingRecord{}
		var bodyJSON []byte
		var transactionID sql.NullString
		err = rows.Scan(&record.ID, &record.RecordID, &record.BillUUID, &record.BillStatus, &record.RecordType, &bodyJSON, &transactionID, &record.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan processing record", err)
		}
		record.TransactionID = transactionID.String
		if len(bodyJSON) > 0 {
			if err := json.Unmarshal(bodyJSON, &record.Body); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal record body", err)
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate processing records", err)
	}
	return records, nil
}

func collectBills(rows *sql.Rows) ([]*model.Bill, error) {
	var bills []*model.Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan bill", err)
		}
		bills = append(bills, bill)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate bills", err)
	}
	return bills, nil
}

func prefixedBillColumns(alias string) string {
	return fmt.Sprintf(`
		%[1]s.id, %[1]s.bill_id, %[1]s.payor_type, %[1]s.payor_id, %[1]s.procedure_id, %[1]s.cost_breakdown_id,
		%[1]s.amount, %[1]s.last_calculated_fee,
		%[1]s.payment_method, %[1]s.payment_method_type, %[1]s.payment_method_id, %[1]s.payment_method_label, %[1]s.card_funding,
		%[1]s.status, %[1]s.error_type, %[1]s.is_ephemeral, %[1]s.version,
		%[1]s.processing_scheduled_at_or_after, %[1]s.processing_at, %[1]s.paid_at, %[1]s.failed_at, %[1]s.refunded_at, %[1]s.cancelled_at,
		%[1]s.created_at, %[1]s.modified_at, %[1]s.meta_data`, alias)
}
