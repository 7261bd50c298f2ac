// Package imapsource ingests mail from IMAP accounts. Each account runs one
// checkpointed fetch loop guarded by a distributed lock, so replicas can run
// the same configuration without double-fetching.
package imapsource

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailroom-io/mailroom/mailparse"
	"github.com/mailroom-io/mailroom/rawmail"
)

// Defaults applied to account configuration.
const (
	DefaultPort       = 993
	DefaultFolder     = "INBOX"
	DefaultFetchLimit = 50
	DefaultInterval   = time.Minute
)

type (
	// AccountConfig describes one IMAP-capable mail account.
	AccountConfig struct {
		AccountID  string        `yaml:"account_id"`
		Host       string        `yaml:"imap_host"`
		Port       int           `yaml:"imap_port"`
		UseSSL     bool          `yaml:"imap_use_ssl"`
		User       string        `yaml:"imap_user"`
		Password   string        `yaml:"imap_password"`
		Folder     string        `yaml:"imap_folder"`
		MarkAsRead bool          `yaml:"imap_mark_as_read"`
		SyncDays   *int          `yaml:"imap_sync_days"`
		UnseenOnly bool          `yaml:"imap_unseen_only"`
		FetchLimit int           `yaml:"imap_fetch_limit"`
		Interval   time.Duration `yaml:"interval"`
		Active     bool          `yaml:"active"`
	}

	// Session is one open IMAP connection with the account's folder
	// selected. Implementations are not safe for concurrent use.
	Session interface {
		// Search returns ids of messages received since the given time,
		// optionally restricted to unseen messages, in mailbox order.
		Search(ctx context.Context, since time.Time, unseenOnly bool) ([]uint32, error)

		// Fetch returns the full RFC 822 bytes of one message.
		Fetch(ctx context.Context, id uint32) ([]byte, error)

		// MarkSeen flags the messages as read.
		MarkSeen(ctx context.Context, ids []uint32) error

		Close() error
	}

	// Dialer opens sessions. The production implementation speaks IMAP
	// over TLS or plaintext per the account config.
	Dialer interface {
		Dial(ctx context.Context, account AccountConfig) (Session, error)
	}

	// Checkpoints persists the per-account last-successful-fetch pointer.
	// A zero time means no checkpoint exists yet.
	Checkpoints interface {
		Get(ctx context.Context, accountID string) (time.Time, error)
		Set(ctx context.Context, accountID string, ts time.Time) error
	}

	// MailPersistor is the slice of the raw mail persistor the source
	// drives.
	MailPersistor interface {
		Persist(ctx context.Context, m *mailparse.Mail, accountID string) (rawmail.Record, error)
		MarkProcessed(ctx context.Context, recordID, eventID, streamID string) error
	}

	// Appender is the slice of the event stream the source writes to.
	Appender interface {
		Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	}
)

// UnmarshalYAML decodes the account, accepting Go duration strings for the
// poll interval ("90s", "2m").
func (a *AccountConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AccountID  string `yaml:"account_id"`
		Host       string `yaml:"imap_host"`
		Port       int    `yaml:"imap_port"`
		UseSSL     bool   `yaml:"imap_use_ssl"`
		User       string `yaml:"imap_user"`
		Password   string `yaml:"imap_password"`
		Folder     string `yaml:"imap_folder"`
		MarkAsRead bool   `yaml:"imap_mark_as_read"`
		SyncDays   *int   `yaml:"imap_sync_days"`
		UnseenOnly bool   `yaml:"imap_unseen_only"`
		FetchLimit int    `yaml:"imap_fetch_limit"`
		Interval   string `yaml:"interval"`
		Active     bool   `yaml:"active"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*a = AccountConfig{
		AccountID:  raw.AccountID,
		Host:       raw.Host,
		Port:       raw.Port,
		UseSSL:     raw.UseSSL,
		User:       raw.User,
		Password:   raw.Password,
		Folder:     raw.Folder,
		MarkAsRead: raw.MarkAsRead,
		SyncDays:   raw.SyncDays,
		UnseenOnly: raw.UnseenOnly,
		FetchLimit: raw.FetchLimit,
		Active:     raw.Active,
	}
	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("account %s: invalid interval %q: %w", raw.AccountID, raw.Interval, err)
		}
		a.Interval = d
	}
	return nil
}

// Normalize fills config defaults in place.
func (a *AccountConfig) Normalize() {
	if a.Port == 0 {
		a.Port = DefaultPort
	}
	if a.Folder == "" {
		a.Folder = DefaultFolder
	}
	if a.FetchLimit <= 0 {
		a.FetchLimit = DefaultFetchLimit
	}
	if a.Interval <= 0 {
		a.Interval = DefaultInterval
	}
}

// InitialCheckpoint derives the sync window start when no checkpoint exists:
// now minus the configured sync days, or the epoch when the window is
// unbounded.
func (a *AccountConfig) InitialCheckpoint(now time.Time) time.Time {
	if a.SyncDays == nil {
		return time.Unix(0, 0).UTC()
	}
	return now.UTC().AddDate(0, 0, -*a.SyncDays)
}
