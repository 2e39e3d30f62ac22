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
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/fernhealth/fernbill/config"
	"github.com/fernhealth/fernbill/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ca, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("bill cache disabled: %v", errCache)
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createBillTable(db)
	if err != nil {
		return nil, err
	}
	err = createProcessingRecordTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createBillTable creates a PostgreSQL table for the Bill struct
func createBillTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bills (
			id BIGSERIAL PRIMARY KEY,
			bill_id TEXT NOT NULL UNIQUE,
			payor_type TEXT NOT NULL,
			payor_id TEXT NOT NULL,
			procedure_id TEXT NOT NULL,
			cost_breakdown_id TEXT,
			amount BIGINT NOT NULL,
			last_calculated_fee BIGINT NOT NULL DEFAULT 0,
			payment_method TEXT,
			payment_method_type TEXT,
			payment_method_id TEXT,
			payment_method_label TEXT,
			card_funding TEXT,
			status TEXT NOT NULL,
			error_type TEXT,
			is_ephemeral BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 0,
			processing_scheduled_at_or_after TIMESTAMP,
			processing_at TIMESTAMP,
			paid_at TIMESTAMP,
			failed_at TIMESTAMP,
			refunded_at TIMESTAMP,
			cancelled_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			modified_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		)
	`)
	if err != nil {
		log.Printf("Error creating bills table: %v", err)
	}
	return err
}

// createProcessingRecordTable creates a PostgreSQL table for the
// BillProcessingRecord struct. Rows are append-only.
func createProcessingRecordTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bill_processing_records (
			id BIGSERIAL PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			bill_id TEXT NOT NULL REFERENCES bills(bill_id),
			bill_status TEXT NOT NULL,
			processing_record_type TEXT NOT NULL,
			body JSONB,
			transaction_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating bill_processing_records table: %v", err)
	}
	return err
}
