// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lsst-dm/embargo-butler/internal/awsclient"
	"github.com/lsst-dm/embargo-butler/internal/engine"
	"github.com/lsst-dm/embargo-butler/internal/healthcheck"
	"github.com/lsst-dm/embargo-butler/internal/intake"
	"github.com/lsst-dm/embargo-butler/internal/notify"
	"github.com/lsst-dm/embargo-butler/internal/reclaim"
	"github.com/lsst-dm/embargo-butler/internal/registration"
	"github.com/lsst-dm/embargo-butler/internal/stats"
	"github.com/lsst-dm/embargo-butler/internal/store"
	"github.com/lsst-dm/embargo-butler/internal/webhook"
	"github.com/lsst-dm/embargo-butler/internal/worker"
)

// Config aggregates configuration for every service.
// Each section is owned by its respective package.
type Config struct {
	Debug        bool                `mapstructure:"debug"`
	Redis        store.Config        `mapstructure:"redis"`
	Retention    RetentionConfig     `mapstructure:"retention"`
	Enqueue      EnqueueConfig       `mapstructure:"enqueue"`
	SQS          SQSConfig           `mapstructure:"sqs"`
	GCP          GCPConfig           `mapstructure:"gcp"`
	Azure        AzureConfig         `mapstructure:"azure"`
	Worker       worker.Config       `mapstructure:"worker"`
	Engine       EngineConfig        `mapstructure:"engine"`
	Webhook      WebhookConfig       `mapstructure:"webhook"`
	Headers      HeadersConfig       `mapstructure:"headers"`
	Registration registration.Config `mapstructure:"registration"`
	Idle         reclaim.Config      `mapstructure:"idle"`
	Presence     PresenceConfig      `mapstructure:"presence"`
	Health       healthcheck.Config  `mapstructure:"health"`
}

type RetentionConfig struct {
	// Files bounds the life of per-file status records and seen markers.
	Files time.Duration `mapstructure:"files"`
	// Groups bounds wait sets and group completion records.
	Groups time.Duration `mapstructure:"groups"`
}

type EnqueueConfig struct {
	Secret         string        `mapstructure:"secret"`
	Profile        string        `mapstructure:"profile"`
	DatasetRegexp  string        `mapstructure:"dataset_regexp"`
	DedupTTL       time.Duration `mapstructure:"dedup_ttl"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	HoldingKey     string        `mapstructure:"holding_key"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type SQSConfig struct {
	QueueURL string                  `mapstructure:"queue_url"`
	AWS      awsclient.ClientOptions `mapstructure:"aws"`
}

type GCPConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	SubscriptionID  string `mapstructure:"subscription_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AzureConfig struct {
	StorageAccount string `mapstructure:"storage_account"`
	QueueName      string `mapstructure:"queue_name"`
}

type EngineConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HeadersConfig locates the JSON header sidecars read before each batch.
type HeadersConfig struct {
	Enabled bool                    `mapstructure:"enabled"`
	AWS     awsclient.ClientOptions `mapstructure:"aws"`
}

type PresenceConfig struct {
	Addr       string `mapstructure:"addr"`
	DeleteSeen bool   `mapstructure:"delete_seen"`
}

func defaults() *Config {
	return &Config{
		Redis: store.DefaultConfig(),
		Retention: RetentionConfig{
			Files:  stats.DefaultFileRetention,
			Groups: intake.DefaultGroupLifetime,
		},
		Enqueue: EnqueueConfig{
			DatasetRegexp:  intake.DefaultDatasetPattern,
			DedupTTL:       intake.DefaultDedupTTL,
			ReportInterval: intake.DefaultReportInterval,
			ListenAddr:     ":8000",
			PollInterval:   notify.DefaultPollInterval,
		},
		Worker:   worker.DefaultConfig(),
		Engine:   EngineConfig{Timeout: engine.DefaultHTTPTimeout},
		Webhook:  WebhookConfig{Timeout: webhook.DefaultTimeout},
		Idle:     reclaim.DefaultConfig(),
		Presence: PresenceConfig{Addr: ":8000"},
		Health:   healthcheck.Config{Port: healthcheck.DefaultPort},
	}
}

// Load reads configuration from an optional config.yaml and environment
// variables. Environment variables use the prefix "EMBARGO" and the dot
// character in keys is replaced by an underscore. For example,
// "worker.max_ingests" becomes "EMBARGO_WORKER_MAX_INGESTS".
func Load() (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("EMBARGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("registration.brokers"); b != "" {
		cfg.Registration.Brokers = splitList(b)
	}

	cfg.Worker.FileRetention = cfg.Retention.Files
	cfg.Worker.GroupLifetime = cfg.Retention.Groups

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no service could run with.
func (c *Config) Validate() error {
	if _, err := regexp.Compile(c.Enqueue.DatasetRegexp); err != nil {
		return fmt.Errorf("enqueue.dataset_regexp: %w", err)
	}
	if _, err := reclaim.ParsePosition(string(c.Idle.Position)); err != nil {
		return fmt.Errorf("idle.position: %w", err)
	}
	if c.Worker.MaxIngests < 1 {
		return fmt.Errorf("worker.max_ingests must be positive, got %d", c.Worker.MaxIngests)
	}
	if c.Worker.MaxFailures < 1 {
		return fmt.Errorf("worker.max_failures must be positive, got %d", c.Worker.MaxFailures)
	}
	if c.Retention.Files <= 0 || c.Retention.Groups <= 0 {
		return fmt.Errorf("retention periods must be positive")
	}
	return nil
}

// RequireSecret reports an error when notification sources would run
// without a shared secret to authenticate S3 records against.
func (c EnqueueConfig) RequireSecret() error {
	if strings.TrimSpace(c.Secret) == "" {
		return fmt.Errorf("enqueue.secret is required for notification sources")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
