package storage

import (
	"context"
	"errors"
	"time"

	"transitwatch/internal/incident"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + JSON Lines journals next to Path
//   - "sqlite": SQLite database file at Path
//
// An empty Driver selects "file"; "sqlite3" is accepted as an alias.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxIncidents caps how many incidents the file driver keeps in memory.
	MaxIncidents int
}

// Delivery records the outcome of one notification attempt.
// Keep it compact and schema-stable.
type Delivery struct {
	At           time.Time `json:"at"`
	SubscriberID string    `json:"subscriber_id"`
	EventID      string    `json:"event_id"`
	Line         string    `json:"line,omitempty"`
	Station      string    `json:"station,omitempty"`
	Severity     string    `json:"severity,omitempty"`
	ChatID       int64     `json:"chat_id,omitempty"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts,omitempty"`
	Error        string    `json:"error,omitempty"`
	TookMS       int64     `json:"took_ms,omitempty"`
}

// Store is the persistence API used by the session pipeline and notifier.
type Store interface {
	GetProfile(ctx context.Context, subscriberID string) (incident.Profile, bool, error)
	PutProfile(ctx context.Context, p incident.Profile) error

	// PolicyFields returns the flat policy cache fields; empty when unset.
	PolicyFields(ctx context.Context, subscriberID string) (map[string]string, error)
	PutPolicy(ctx context.Context, subscriberID string, p incident.Policy) error

	AppendIncident(ctx context.Context, ev incident.Event) error
	// RecentIncidents returns up to limit incidents, newest first.
	RecentIncidents(ctx context.Context, limit int) ([]incident.Event, error)

	AppendDelivery(ctx context.Context, d Delivery) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// PruneDedup removes entries that expired before now and reports how many.
	PruneDedup(ctx context.Context, now time.Time) (int, error)

	Close() error
}
