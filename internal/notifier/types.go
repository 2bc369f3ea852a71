package notifier

import (
	"context"
	"time"

	"transitwatch/internal/storage"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Store is the persistence the notifier uses, satisfied by storage.Store.
type Store interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	AppendDelivery(ctx context.Context, d storage.Delivery) error
}

// Delivery statuses.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDeduped = "deduped"
	StatusDropped = "dropped"
)

// Bus event types.
const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
)

type HistoryItem struct {
	At           time.Time `json:"at"`
	SubscriberID string    `json:"subscriber_id,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	Status       string    `json:"status"`
	Text         string    `json:"text"`
}

// NotificationEvent is the bus payload for notifier lifecycle events.
type NotificationEvent struct {
	Channel      string    `json:"channel"`
	SubscriberID string    `json:"subscriber_id,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	ChatID       int64     `json:"chat_id"`
	ThreadID     int       `json:"thread_id,omitempty"`
	Key          string    `json:"key"`
	At           time.Time `json:"at"`
	Attempts     int       `json:"attempts,omitempty"`
	Error        string    `json:"error,omitempty"`
}
