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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"FERNBILL_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"FERNBILL_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"FERNBILL_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"FERNBILL_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"FERNBILL_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"FERNBILL_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"FERNBILL_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"FERNBILL_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"FERNBILL_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	RetryQueue        string `json:"retry_queue" envconfig:"FERNBILL_QUEUE_RETRY"`
	NotificationQueue string `json:"notification_queue" envconfig:"FERNBILL_QUEUE_NOTIFICATION"`
	MaxRetryAttempts  int    `json:"max_retry_attempts" envconfig:"FERNBILL_QUEUE_MAX_RETRY_ATTEMPTS"`
}

// GatewayConfig points at the external payment gateway this engine charges,
// transfers and refunds through.
type GatewayConfig struct {
	BaseURL        string `json:"base_url" envconfig:"FERNBILL_GATEWAY_BASE_URL"`
	APIKey         string `json:"api_key" envconfig:"FERNBILL_GATEWAY_API_KEY"`
	TimeoutSeconds int    `json:"timeout_seconds" envconfig:"FERNBILL_GATEWAY_TIMEOUT_SECONDS"`
}

// ProcedureServiceConfig points at the treatment-procedure collaborator.
type ProcedureServiceConfig struct {
	URL            string `json:"url" envconfig:"FERNBILL_PROCEDURE_SERVICE_URL"`
	AuthToken      string `json:"auth_token" envconfig:"FERNBILL_PROCEDURE_SERVICE_AUTH_TOKEN"`
	TimeoutSeconds int    `json:"timeout_seconds" envconfig:"FERNBILL_PROCEDURE_SERVICE_TIMEOUT_SECONDS"`
}

// BillingConfig holds the fee schedule and processing policy. These are
// explicit configuration rather than module constants so tests can substitute
// them deterministically.
type BillingConfig struct {
	// FeePercent is the processing fee charged on card payments, in percent.
	FeePercent string `json:"fee_percent" envconfig:"FERNBILL_BILLING_FEE_PERCENT"`
	// FeeExemptFundings lists card fundings that never attract a fee.
	FeeExemptFundings []string `json:"fee_exempt_fundings" envconfig:"FERNBILL_BILLING_FEE_EXEMPT_FUNDINGS"`
	// AutoProcessFloor: bills whose gross amount is at or below this are
	// marked PAID without contacting the gateway.
	AutoProcessFloor int64 `json:"auto_process_floor" envconfig:"FERNBILL_BILLING_AUTO_PROCESS_FLOOR"`
	// MemberChargeDelayDays delays member auto-submission past the
	// procedure end date.
	MemberChargeDelayDays int `json:"member_charge_delay_days" envconfig:"FERNBILL_BILLING_MEMBER_CHARGE_DELAY_DAYS"`
	// DeclineCodes maps raw gateway decline codes onto canonical error
	// types recorded on FAILED bills.
	DeclineCodes map[string]string `json:"decline_codes"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
	// Events is the payor-facing notification sink for payment
	// confirmations, refunds and failures.
	Events struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"events"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"FERNBILL_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"FERNBILL_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"FERNBILL_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName      string                 `json:"project_name" envconfig:"FERNBILL_PROJECT_NAME"`
	Server           ServerConfig           `json:"server"`
	DataSource       DataSourceConfig       `json:"data_source"`
	Redis            RedisConfig            `json:"redis"`
	Queue            QueueConfig            `json:"queue"`
	Gateway          GatewayConfig          `json:"gateway"`
	ProcedureService ProcedureServiceConfig `json:"procedure_service"`
	Billing          BillingConfig          `json:"billing"`
	Notification     Notification           `json:"notification"`
	RateLimit        RateLimitConfig        `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("fernbill", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called fernbill.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Fernbill Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Gateway.BaseURL == "" {
		log.Println("Error: Gateway base URL is empty. It's a required field.")
		return errors.New("gateway base URL is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Gateway.BaseURL = strings.TrimSpace(cnf.Gateway.BaseURL)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Gateway.TimeoutSeconds == 0 {
		cnf.Gateway.TimeoutSeconds = 30
	}
	if cnf.ProcedureService.TimeoutSeconds == 0 {
		cnf.ProcedureService.TimeoutSeconds = 15
	}

	if cnf.Queue.RetryQueue == "" {
		cnf.Queue.RetryQueue = "new:bill_retry"
	}
	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = "new:bill_notification"
	}
	if cnf.Queue.MaxRetryAttempts == 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}

	if cnf.Billing.FeePercent == "" {
		cnf.Billing.FeePercent = "2.9"
	}
	if len(cnf.Billing.FeeExemptFundings) == 0 {
		cnf.Billing.FeeExemptFundings = []string{"HSA", "FSA"}
	}
	if cnf.Billing.AutoProcessFloor == 0 {
		cnf.Billing.AutoProcessFloor = 100
	}
	if cnf.Billing.MemberChargeDelayDays == 0 {
		cnf.Billing.MemberChargeDelayDays = 14
	}
	if cnf.Billing.DeclineCodes == nil {
		cnf.Billing.DeclineCodes = DefaultDeclineCodes()
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// Canonical error types recorded on FAILED bills.
const (
	ErrorTypeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrorTypeExpiredMethod     = "EXPIRED_METHOD"
	ErrorTypeValidation        = "VALIDATION_ERROR"
	ErrorTypeOther             = "OTHER"
	ErrorTypeUnknown           = "UNKNOWN"
)

// DefaultDeclineCodes is the decline-code mapping used when the config file
// carries none.
func DefaultDeclineCodes() map[string]string {
	return map[string]string{
		"insufficient_funds": ErrorTypeInsufficientFunds,
		"expired_card":       ErrorTypeExpiredMethod,
		"incorrect_number":   ErrorTypeValidation,
		"incorrect_cvc":      ErrorTypeValidation,
		"card_declined":      ErrorTypeOther,
		"processing_error":   ErrorTypeOther,
		"unknown":            ErrorTypeUnknown,
	}
}

// MapDeclineCode resolves a raw gateway decline code to its canonical error
// type, defaulting to UNKNOWN for codes outside the table.
func (cnf *Configuration) MapDeclineCode(code string) string {
	if mapped, ok := cnf.Billing.DeclineCodes[code]; ok {
		return mapped
	}
	return ErrorTypeUnknown
}

// RetryEligibleErrorTypes lists the FAILED error types a payment-method
// attach event may re-enqueue for submission.
func RetryEligibleErrorTypes() []string {
	return []string{ErrorTypeInsufficientFunds, ErrorTypeExpiredMethod, ErrorTypeOther}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
