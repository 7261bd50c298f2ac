package imapsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailroom-io/mailroom/event"
	"github.com/mailroom-io/mailroom/lock"
	"github.com/mailroom-io/mailroom/mailparse"
	"github.com/mailroom-io/mailroom/rawmail"
	"github.com/mailroom-io/mailroom/stream"
	"github.com/mailroom-io/mailroom/telemetry"
)

type (
	// SourceOptions configures one account loop.
	SourceOptions struct {
		Account     AccountConfig
		Dialer      Dialer
		Locker      lock.Locker
		Checkpoints Checkpoints
		Persistor   MailPersistor
		Stream      Appender
		Logger      telemetry.Logger

		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Source runs the fetch loop for one account.
	Source struct {
		account AccountConfig
		dialer  Dialer
		locker  lock.Locker
		cp      Checkpoints
		persist MailPersistor
		stream  Appender
		log     telemetry.Logger
		now     func() time.Time
	}
)

// NewSource validates the options and builds the loop.
func NewSource(opts SourceOptions) (*Source, error) {
	if opts.Account.AccountID == "" {
		return nil, errors.New("account id is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("locker is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if opts.Persistor == nil {
		return nil, errors.New("persistor is required")
	}
	if opts.Stream == nil {
		return nil, errors.New("stream is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	account := opts.Account
	account.Normalize()
	return &Source{
		account: account,
		dialer:  opts.Dialer,
		locker:  opts.Locker,
		cp:      opts.Checkpoints,
		persist: opts.Persistor,
		stream:  opts.Stream,
		log:     log,
		now:     now,
	}, nil
}

// Run ticks until the context is cancelled. Tick errors are logged, never
// fatal; the next tick retries from the unchanged checkpoint.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.account.Interval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil {
			s.log.Error(ctx, "mail fetch tick failed", "account_id", s.account.AccountID, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one fetch pass: acquire the account lock, read the
// checkpoint, fetch new messages, persist and enqueue each, then advance the
// checkpoint. Account-level failures abort without advancing it.
func (s *Source) Tick(ctx context.Context) error {
	key := lock.AccountKey(s.account.AccountID)
	acquired, err := s.locker.Acquire(ctx, key, lock.TTLFor(s.account.Interval))
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		// Another replica owns this tick.
		s.log.Debug(ctx, "account lock held elsewhere", "account_id", s.account.AccountID)
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn(ctx, "lock release failed", "account_id", s.account.AccountID, "error", err.Error())
		}
	}()

	tickStart := s.now()
	checkpoint, err := s.cp.Get(ctx, s.account.AccountID)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if checkpoint.IsZero() {
		checkpoint = s.account.InitialCheckpoint(tickStart)
	}

	sess, err := s.dialer.Dial(ctx, s.account)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	ids, err := sess.Search(ctx, checkpoint, s.account.UnseenOnly)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(ids) > s.account.FetchLimit {
		// Most recent messages win when over the limit.
		ids = ids[len(ids)-s.account.FetchLimit:]
	}

	var seen []uint32
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.ingest(ctx, sess, id); err != nil {
			s.log.Error(ctx, "message skipped", "account_id", s.account.AccountID, "imap_id", id, "error", err.Error())
			continue
		}
		seen = append(seen, id)
	}
	if s.account.MarkAsRead && len(seen) > 0 {
		if err := sess.MarkSeen(ctx, seen); err != nil {
			s.log.Warn(ctx, "mark seen failed", "account_id", s.account.AccountID, "error", err.Error())
		}
	}

	if err := s.cp.Set(ctx, s.account.AccountID, tickStart); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// ingest persists one message and enqueues its event.
func (s *Source) ingest(ctx context.Context, sess Session, id uint32) error {
	raw, err := sess.Fetch(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	m, err := mailparse.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	rec, err := s.persist.Persist(ctx, m, s.account.AccountID)
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	e := s.buildEvent(m, rec)
	fields, err := event.Encode(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	streamID, err := s.stream.Append(ctx, stream.IncomingStream, fields)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := s.persist.MarkProcessed(ctx, rec.RecordID, e.EventID, streamID); err != nil {
		// The event is already enqueued; the linkage is best effort.
		s.log.Warn(ctx, "mark processed failed", "record_id", rec.RecordID, "error", err.Error())
	}
	return nil
}

// buildEvent derives the unified event from the parsed mail and its stored
// record. Attachment entries come from the persisted rows so they carry the
// blob storage key; signature images stay out of the event.
func (s *Source) buildEvent(m *mailparse.Mail, rec rawmail.Record) *event.UnifiedEvent {
	e := event.New(event.TypeEmail, event.SourceEmail)
	e.SourceID = m.MessageID
	e.IdempotencyKey = event.IdempotencyKey(event.SourceEmail, m.MessageID)
	e.Content = m.Body()
	e.UserExternalID = m.From.Email
	e.UserName = m.From.Name
	if !m.Date.IsZero() {
		e.Timestamp = m.Date
	}
	e.Metadata = map[string]string{
		"subject":          m.Subject,
		"email_raw_id":     rec.RecordID,
		"email_account_id": s.account.AccountID,
	}
	for _, att := range rec.Attachments {
		if att.Signature {
			continue
		}
		e.Attachments = append(e.Attachments, event.Attachment{
			Filename:   att.Filename,
			MediaType:  att.ContentType,
			Size:       att.Size,
			StorageKey: att.Pointer.Key,
			Inline:     att.Inline,
			ContentID:  att.ContentID,
		})
	}
	return e
}
