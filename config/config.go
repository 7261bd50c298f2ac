// Package config loads the mailroom configuration: a YAML file, with
// environment variables overriding the file for deployment-specific values
// and secrets. Load never reaches the network; connection failures surface
// where the clients are built.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailroom-io/mailroom/classify"
	"github.com/mailroom-io/mailroom/imapsource"
)

// Classifier providers.
const (
	ProviderRules     = "rules"
	ProviderAnthropic = "anthropic"
)

// Defaults applied by Load.
const (
	DefaultRedisAddr      = "localhost:6379"
	DefaultMongoURI       = "mongodb://localhost:27017"
	DefaultMongoDatabase  = "mailroom"
	DefaultTemporalHost   = "localhost:7233"
	DefaultNamespace      = "default"
	DefaultTaskQueue      = "mailroom"
	DefaultLocalRoot      = "/var/lib/mailroom/blobs"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultConsumers      = 2
)

type (
	// Config is the root configuration document.
	Config struct {
		Redis      Redis                      `yaml:"redis"`
		Mongo      Mongo                      `yaml:"mongo"`
		Temporal   Temporal                   `yaml:"temporal"`
		Storage    Storage                    `yaml:"storage"`
		Classifier Classifier                 `yaml:"classifier"`
		Dispatcher Dispatcher                 `yaml:"dispatcher"`
		Accounts   []imapsource.AccountConfig `yaml:"accounts"`
	}

	// Redis locates the broker backing the event stream and locks.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Mongo locates the persistence database.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Temporal locates the workflow service. When Enabled is false the
	// binary runs on the in-process engine.
	Temporal struct {
		Enabled   bool   `yaml:"enabled"`
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// Storage selects the object store backends. S3 is optional; an empty
	// bucket disables the remote backend and every write lands locally.
	Storage struct {
		S3                  S3     `yaml:"s3"`
		LocalStorageEnabled *bool  `yaml:"local_storage_enabled"`
		LocalRoot           string `yaml:"local_root"`
		LocalBaseURL        string `yaml:"local_base_url"`
	}

	// S3 names the remote bucket. Credentials resolve through the standard
	// AWS chain; Endpoint supports S3-compatible stores.
	S3 struct {
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	}

	// Classifier selects and tunes the classification adapter.
	Classifier struct {
		Provider         string   `yaml:"provider"`
		AnthropicAPIKey  string   `yaml:"anthropic_api_key"`
		Model            string   `yaml:"model"`
		MaxTokens        int      `yaml:"max_tokens"`
		AcceptThreshold  *float64 `yaml:"accept_threshold"`
		ProposeThreshold *float64 `yaml:"propose_threshold"`
	}

	// Dispatcher tunes the stream consumers.
	Dispatcher struct {
		Consumers       int      `yaml:"consumers"`
		BatchSize       int64    `yaml:"batch_size"`
		ClassifyTimeout Duration `yaml:"classify_timeout"`
	}
)

// Duration wraps time.Duration so YAML can carry Go duration strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads the YAML file at path when path is non-empty, then applies
// environment overrides, defaults and validation. A missing file is an
// error; an empty path configures from environment and defaults alone.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setStr(&c.Mongo.URI, "MONGO_URI")
	setStr(&c.Mongo.Database, "MONGO_DATABASE")
	setStr(&c.Temporal.HostPort, "TEMPORAL_HOST_PORT")
	setStr(&c.Temporal.Namespace, "TEMPORAL_NAMESPACE")
	setStr(&c.Temporal.TaskQueue, "TEMPORAL_TASK_QUEUE")
	setBool(&c.Temporal.Enabled, "TEMPORAL_ENABLED")
	setStr(&c.Storage.S3.Bucket, "S3_BUCKET")
	setStr(&c.Storage.S3.Region, "S3_REGION")
	setStr(&c.Storage.S3.Endpoint, "S3_ENDPOINT")
	setStr(&c.Storage.LocalRoot, "LOCAL_STORAGE_ROOT")
	setStr(&c.Storage.LocalBaseURL, "LOCAL_STORAGE_BASE_URL")
	if v, ok := lookupBool("LOCAL_STORAGE_ENABLED"); ok {
		c.Storage.LocalStorageEnabled = &v
	}
	setStr(&c.Classifier.Provider, "CLASSIFIER_PROVIDER")
	setStr(&c.Classifier.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setStr(&c.Classifier.Model, "ANTHROPIC_MODEL")
	if v, ok := lookupFloat("CLASSIFIER_ACCEPT_THRESHOLD"); ok {
		c.Classifier.AcceptThreshold = &v
	}
	if v, ok := lookupFloat("CLASSIFIER_PROPOSE_THRESHOLD"); ok {
		c.Classifier.ProposeThreshold = &v
	}
	setInt(&c.Dispatcher.Consumers, "DISPATCH_CONSUMERS")
}

func (c *Config) applyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = DefaultMongoURI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = DefaultMongoDatabase
	}
	if c.Temporal.HostPort == "" {
		c.Temporal.HostPort = DefaultTemporalHost
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = DefaultNamespace
	}
	if c.Temporal.TaskQueue == "" {
		c.Temporal.TaskQueue = DefaultTaskQueue
	}
	if c.Storage.LocalRoot == "" {
		c.Storage.LocalRoot = DefaultLocalRoot
	}
	if c.Classifier.Provider == "" {
		if c.Classifier.AnthropicAPIKey != "" {
			c.Classifier.Provider = ProviderAnthropic
		} else {
			c.Classifier.Provider = ProviderRules
		}
	}
	if c.Classifier.Model == "" {
		c.Classifier.Model = DefaultAnthropicModel
	}
	if c.Dispatcher.Consumers <= 0 {
		c.Dispatcher.Consumers = DefaultConsumers
	}
	for i := range c.Accounts {
		c.Accounts[i].Normalize()
	}
}

// Validate checks cross-field constraints the zero value cannot express.
func (c *Config) Validate() error {
	switch c.Classifier.Provider {
	case ProviderRules:
	case ProviderAnthropic:
		if c.Classifier.AnthropicAPIKey == "" {
			return fmt.Errorf("config: classifier provider %q requires an api key", ProviderAnthropic)
		}
	default:
		return fmt.Errorf("config: unknown classifier provider %q", c.Classifier.Provider)
	}
	localOff := c.Storage.LocalStorageEnabled != nil && !*c.Storage.LocalStorageEnabled
	if localOff && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("config: no object store configured, set an s3 bucket or enable local storage")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.AccountID == "" {
			return fmt.Errorf("config: account without account_id")
		}
		if seen[a.AccountID] {
			return fmt.Errorf("config: duplicate account_id %q", a.AccountID)
		}
		seen[a.AccountID] = true
		if a.Active && a.Host == "" {
			return fmt.Errorf("config: account %s: imap_host is required", a.AccountID)
		}
	}
	return nil
}

// LocalStorageEnabled reports whether the local blob backend is on. It
// defaults to on; Validate refuses a configuration that disables it without
// configuring S3, so ingestion always has a writable store.
func (c *Config) LocalStorageEnabled() bool {
	if c.Storage.LocalStorageEnabled == nil {
		return true
	}
	return *c.Storage.LocalStorageEnabled
}

// Thresholds resolves the classifier confidence knobs.
func (c *Config) Thresholds() classify.Thresholds {
	th := classify.DefaultThresholds()
	if c.Classifier.AcceptThreshold != nil {
		th.Accept = *c.Classifier.AcceptThreshold
	}
	if c.Classifier.ProposeThreshold != nil {
		th.Propose = *c.Classifier.ProposeThreshold
	}
	return th
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookupBool(key); ok {
		*dst = v
	}
}

func lookupBool(key string) (bool, bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b, true
		}
	}
	return false, false
}

func lookupFloat(key string) (float64, bool) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
