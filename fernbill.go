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
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/database"
	"github.com/fernhealth/fernbill/internal/gateway"
	"github.com/fernhealth/fernbill/internal/procedure"
	redis_db "github.com/fernhealth/fernbill/internal/redis-db"
	"github.com/fernhealth/fernbill/model"
)

// Fernbill is the billing engine. It owns every bill state transition; the
// api and worker layers are thin shells around it.
type Fernbill struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	gateway    gateway.Client
	procedures procedure.Service
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewFernbill initializes the billing engine with the provided datasource.
// It fetches the configuration and builds the redis client, queue, gateway
// client and procedure-service client from it.
func NewFernbill(db database.IDataSource) (*Fernbill, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)

	gatewayClient := gateway.NewHTTPClient(
		configuration.Gateway.BaseURL,
		configuration.Gateway.APIKey,
		time.Duration(configuration.Gateway.TimeoutSeconds)*time.Second,
	)
	procedureService := procedure.NewHTTPService(
		configuration.ProcedureService.URL,
		configuration.ProcedureService.AuthToken,
		time.Duration(configuration.ProcedureService.TimeoutSeconds)*time.Second,
	)

	newFernbill := &Fernbill{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		gateway:    gatewayClient,
		procedures: procedureService,
	}
	return newFernbill, nil
}

// GetBill returns a bill by its public id.
func (f *Fernbill) GetBill(ctx context.Context, billUUID string) (*model.Bill, error) {
	return f.datasource.GetBillByUUID(ctx, billUUID)
}

// GetBillsByProcedure returns every bill raised against a procedure.
func (f *Fernbill) GetBillsByProcedure(ctx context.Context, procedureUUID string) ([]*model.Bill, error) {
	return f.datasource.GetBillsByProcedure(ctx, procedureUUID)
}

// GetProcessingRecords returns a bill's audit trail, newest first.
func (f *Fernbill) GetProcessingRecords(ctx context.Context, billUUID string) ([]*model.BillProcessingRecord, error) {
	if _, err := f.datasource.GetBillByUUID(ctx, billUUID); err != nil {
		return nil, err
	}
	return f.datasource.GetProcessingRecords(ctx, billUUID)
}
