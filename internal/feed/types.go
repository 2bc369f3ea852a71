// Package feed delivers ordered snapshots of the incident feed to listeners.
//
// A subscription first receives one snapshot holding the current backlog,
// then one snapshot per batch of changes. Snapshots for one subscription are
// delivered sequentially on a single goroutine and never overlap.
package feed

import (
	"context"
	"errors"
	"fmt"

	"transitwatch/internal/incident"
)

type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

type Change struct {
	Kind  ChangeKind
	Event incident.Event
}

// Snapshot is the feed state after a batch of changes. Events is ordered
// newest first; Changes is in feed order (newest appended last).
type Snapshot struct {
	Events  []incident.Event
	Changes []Change
}

// Newest returns the most recent event, if any.
func (s Snapshot) Newest() (incident.Event, bool) {
	if len(s.Events) == 0 {
		return incident.Event{}, false
	}
	return s.Events[0], true
}

// Subscription is a live feed listener. Close releases it synchronously: once
// Close returns no further callbacks run. Close must not be called from
// inside a callback.
type Subscription interface {
	Close()
}

type Source interface {
	Subscribe(ctx context.Context, onSnapshot func(Snapshot), onError func(error)) (Subscription, error)
}

// Ingester accepts newly posted incidents.
type Ingester interface {
	Ingest(ctx context.Context, ev incident.Event) (incident.Event, error)
}

// ErrPermanent marks a subscription failure that will not heal by itself,
// e.g. revoked access or a closed source. The subscription ends after it.
var ErrPermanent = errors.New("feed: permanent failure")

// Permanent wraps err so IsPermanent reports true.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// ErrClosed is reported (as permanent) to listeners of a closed source.
var ErrClosed = errors.New("feed closed")
