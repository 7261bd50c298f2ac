package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailroom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultRedisAddr, cfg.Redis.Addr)
	assert.Equal(t, DefaultMongoDatabase, cfg.Mongo.Database)
	assert.Equal(t, DefaultTaskQueue, cfg.Temporal.TaskQueue)
	assert.Equal(t, ProviderRules, cfg.Classifier.Provider, "no api key means the rule classifier")
	assert.True(t, cfg.LocalStorageEnabled(), "no s3 bucket forces local storage")
	assert.Equal(t, DefaultConsumers, cfg.Dispatcher.Consumers)

	th := cfg.Thresholds()
	assert.Equal(t, 0.0, th.Accept)
	assert.Equal(t, 0.6, th.Propose)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: redis.internal:6380
mongo:
  uri: mongodb://db.internal:27017
  database: mail
temporal:
  enabled: true
  host_port: temporal.internal:7233
storage:
  s3:
    bucket: mail-blobs
    region: eu-central-1
  local_storage_enabled: false
classifier:
  provider: anthropic
  anthropic_api_key: sk-test
  propose_threshold: 0.8
dispatcher:
  consumers: 4
  classify_timeout: 45s
accounts:
  - account_id: support
    imap_host: imap.example.com
    imap_user: support@example.com
    imap_password: hunter2
    active: true
  - account_id: billing
    imap_host: imap.example.com
    imap_port: 143
    active: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "mail", cfg.Mongo.Database)
	assert.True(t, cfg.Temporal.Enabled)
	assert.Equal(t, "mail-blobs", cfg.Storage.S3.Bucket)
	assert.False(t, cfg.LocalStorageEnabled())
	assert.Equal(t, ProviderAnthropic, cfg.Classifier.Provider)
	assert.Equal(t, 0.8, cfg.Thresholds().Propose)
	assert.Equal(t, 0.0, cfg.Thresholds().Accept)
	assert.Equal(t, 4, cfg.Dispatcher.Consumers)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.ClassifyTimeout.Std())

	require.Len(t, cfg.Accounts, 2)
	support := cfg.Accounts[0]
	assert.Equal(t, 993, support.Port, "defaults are filled in")
	assert.Equal(t, "INBOX", support.Folder)
	assert.Equal(t, time.Minute, support.Interval)
	assert.Equal(t, 143, cfg.Accounts[1].Port, "explicit port survives")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: from-file:6379
`)
	t.Setenv("REDIS_ADDR", "from-env:6379")
	t.Setenv("CLASSIFIER_PROPOSE_THRESHOLD", "0.75")
	t.Setenv("LOCAL_STORAGE_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, 0.75, cfg.Thresholds().Propose)
	assert.True(t, cfg.LocalStorageEnabled())
}

func TestAnthropicKeySelectsProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, cfg.Classifier.Provider)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "anthropic without key",
			doc:  "classifier:\n  provider: anthropic\n",
			want: "requires an api key",
		},
		{
			name: "unknown provider",
			doc:  "classifier:\n  provider: oracle\n",
			want: "unknown classifier provider",
		},
		{
			name: "no object store",
			doc:  "storage:\n  local_storage_enabled: false\n",
			want: "no object store configured",
		},
		{
			name: "account without id",
			doc:  "accounts:\n  - imap_host: imap.example.com\n",
			want: "without account_id",
		},
		{
			name: "duplicate account id",
			doc:  "accounts:\n  - account_id: a\n  - account_id: a\n",
			want: "duplicate account_id",
		},
		{
			name: "active account without host",
			doc:  "accounts:\n  - account_id: a\n    active: true\n",
			want: "imap_host is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
