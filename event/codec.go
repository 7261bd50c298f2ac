package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire field names. The stream transport carries events as flat maps of
// string keys to string values; structured fields are embedded as JSON.
const (
	fieldEventID        = "event_id"
	fieldEventType      = "event_type"
	fieldSource         = "source"
	fieldSourceID       = "source_id"
	fieldContent        = "content"
	fieldContentType    = "content_type"
	fieldUserID         = "user_id"
	fieldUserExternalID = "user_external_id"
	fieldUserName       = "user_name"
	fieldSessionID      = "session_id"
	fieldThreadID       = "thread_id"
	fieldIdempotencyKey = "idempotency_key"
	fieldPriority       = "priority"
	fieldTimestamp      = "timestamp"
	fieldMetadata       = "metadata"
	fieldContext        = "context"
	fieldAttachments    = "attachments"
)

// Encode renders the event into its wire form. Empty optional fields are
// omitted so stream entries stay small.
func Encode(e *UnifiedEvent) (map[string]string, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	fields := map[string]string{
		fieldEventID:        e.EventID,
		fieldEventType:      string(e.Type),
		fieldSource:         string(e.Source),
		fieldContent:        e.Content,
		fieldContentType:    string(e.ContentType),
		fieldIdempotencyKey: e.IdempotencyKey,
		fieldPriority:       string(e.Priority),
		fieldTimestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	setIfPresent(fields, fieldSourceID, e.SourceID)
	setIfPresent(fields, fieldUserID, e.UserID)
	setIfPresent(fields, fieldUserExternalID, e.UserExternalID)
	setIfPresent(fields, fieldUserName, e.UserName)
	setIfPresent(fields, fieldSessionID, e.SessionID)
	setIfPresent(fields, fieldThreadID, e.ThreadID)
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("event: encode metadata: %w", err)
		}
		fields[fieldMetadata] = string(raw)
	}
	if len(e.Context) > 0 {
		raw, err := json.Marshal(e.Context)
		if err != nil {
			return nil, fmt.Errorf("event: encode context: %w", err)
		}
		fields[fieldContext] = string(raw)
	}
	if len(e.Attachments) > 0 {
		raw, err := json.Marshal(e.Attachments)
		if err != nil {
			return nil, fmt.Errorf("event: encode attachments: %w", err)
		}
		fields[fieldAttachments] = string(raw)
	}
	return fields, nil
}

// Decode parses the wire form back into a UnifiedEvent. Timestamps are
// normalized to UTC. Decode fails on missing identity fields so consumers
// can isolate poison payloads.
func Decode(fields map[string]string) (*UnifiedEvent, error) {
	e := &UnifiedEvent{
		EventID:        fields[fieldEventID],
		Type:           Type(fields[fieldEventType]),
		Source:         Source(fields[fieldSource]),
		SourceID:       fields[fieldSourceID],
		Content:        fields[fieldContent],
		ContentType:    ContentType(fields[fieldContentType]),
		UserID:         fields[fieldUserID],
		UserExternalID: fields[fieldUserExternalID],
		UserName:       fields[fieldUserName],
		SessionID:      fields[fieldSessionID],
		ThreadID:       fields[fieldThreadID],
		IdempotencyKey: fields[fieldIdempotencyKey],
		Priority:       Priority(fields[fieldPriority]),
	}
	if ts := fields[fieldTimestamp]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event: decode timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed.UTC()
	}
	if raw := fields[fieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("event: decode metadata: %w", err)
		}
	}
	if raw := fields[fieldContext]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Context); err != nil {
			return nil, fmt.Errorf("event: decode context: %w", err)
		}
	}
	if raw := fields[fieldAttachments]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Attachments); err != nil {
			return nil, fmt.Errorf("event: decode attachments: %w", err)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func setIfPresent(fields map[string]string, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
