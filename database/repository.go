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

	"github.com/fernhealth/fernbill/model"
)

type bill interface {
	CreateBill(ctx context.Context, bill *model.Bill) (*model.Bill, error)
	GetBillByUUID(ctx context.Context, billUUID string) (*model.Bill, error)
	GetBillsByProcedure(ctx context.Context, procedureUUID string) ([]*model.Bill, error)
	GetBillsByPayor(ctx context.Context, payorType, payorID string, statuses []string) ([]*model.Bill, error)
	GetBillsByTransactionID(ctx context.Context, transactionID string) ([]*model.Bill, error)
	UpdateBillWithRecord(ctx context.Context, bill *model.Bill, record *model.BillProcessingRecord) (*model.Bill, error)
	CommitBillWrites(ctx context.Context, writes []BillWrite, creates []*model.Bill) error
}

type processingRecord interface {
	CreateProcessingRecord(ctx context.Context, record *model.BillProcessingRecord) (*model.BillProcessingRecord, error)
	GetProcessingRecords(ctx context.Context, billUUID string) ([]*model.BillProcessingRecord, error)
}

type IDataSource interface {
	bill
	processingRecord
}
