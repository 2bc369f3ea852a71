// Package profile loads subscriber interests at session start.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"transitwatch/internal/incident"
	"transitwatch/pkg/logx"
)

// ErrLoad marks a profile store failure. Session start aborts on it; the
// caller may try again later.
var ErrLoad = errors.New("profile load failed")

// ErrMalformed is what stores wrap for undecodable records; it is not retried.
var ErrMalformed = incident.ErrMalformedProfile

// Store is the durable profile store.
type Store interface {
	GetProfile(ctx context.Context, subscriberID string) (incident.Profile, bool, error)
}

type Options struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

type Loader struct {
	store Store
	opts  Options
	log   logx.Logger
}

func NewLoader(store Store, opts Options, log logx.Logger) *Loader {
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{store: store, opts: opts, log: log.With(logx.String("comp", "profile"))}
}

// Load reads the profile once, retrying transient store errors. A subscriber
// without a stored profile gets an empty profile and no error.
func (l *Loader) Load(ctx context.Context, subscriberID string) (incident.Profile, error) {
	var (
		p     incident.Profile
		found bool
	)
	err := retry.Do(
		func() error {
			var err error
			p, found, err = l.store.GetProfile(ctx, subscriberID)
			if err != nil && errors.Is(err, ErrMalformed) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(l.opts.Attempts),
		retry.Delay(l.opts.Delay),
		retry.MaxDelay(l.opts.MaxDelay),
		retry.MaxJitter(l.opts.Delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			l.log.Debug("retrying profile load",
				logx.Subscriber(subscriberID), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		return incident.Profile{SubscriberID: subscriberID}, fmt.Errorf("%w: %s: %w", ErrLoad, subscriberID, err)
	}
	if !found {
		l.log.Debug("no stored profile", logx.Subscriber(subscriberID))
		return incident.Profile{SubscriberID: subscriberID}, nil
	}
	p.SubscriberID = subscriberID
	return p, nil
}
