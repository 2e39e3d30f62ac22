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
	"errors"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/fernhealth/fernbill/config"
	redis_db "github.com/fernhealth/fernbill/internal/redis-db"
	"github.com/fernhealth/fernbill/model"
)

// Queue hands bill submissions and payor notifications to the workers.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// BillRetryPayload is the task body for a queued bill submission. Workers
// re-fetch the bill by id; the payload deliberately carries no bill state.
type BillRetryPayload struct {
	BillUUID  string `json:"bill_id"`
	Initiator string `json:"initiator"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueRetry schedules a bill for submission by the workers. The task id is
// the bill id, so a bill can hold at most one pending submission; duplicate
// enqueues from racing attach events collapse into one task. Bills scheduled
// for the future are delayed until their processing window opens.
func (q *Queue) EnqueueRetry(ctx context.Context, bill *model.Bill, initiator string) error {
	ctx, span := otel.Tracer("bill.queue").Start(ctx, "Adding bill to retry queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(BillRetryPayload{BillUUID: bill.UUID, Initiator: initiator})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(bill.UUID),
		asynq.Queue(cfg.Queue.RetryQueue),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	if bill.ProcessingScheduledAtOrAfter.After(time.Now()) {
		taskOptions = append(taskOptions, asynq.ProcessIn(time.Until(bill.ProcessingScheduledAtOrAfter)))
	}

	task := asynq.NewTask(cfg.Queue.RetryQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			log.Printf(" [*] Bill already queued, skipping: %s", bill.UUID)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued bill submission: %s", bill.UUID)
	return nil
}

// EnqueueNotification queues a payor-facing notification. Delivery failures
// retry in the workers and never touch bill state.
func (q *Queue) EnqueueNotification(ctx context.Context, notification *PayorNotification) error {
	ctx, span := otel.Tracer("bill.queue").Start(ctx, "Adding notification to queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.Queue(cfg.Queue.NotificationQueue),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(cfg.Queue.NotificationQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// GetQueuedBill retrieves a pending bill submission task, if one exists.
func (q *Queue) GetQueuedBill(billUUID string) (*BillRetryPayload, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	task, err := q.Inspector.GetTaskInfo(cfg.Queue.RetryQueue, billUUID)
	if err != nil || task == nil {
		return nil, nil
	}
	var payload BillRetryPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
