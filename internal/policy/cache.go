package policy

import (
	"context"
	"fmt"

	"transitwatch/internal/incident"
	"transitwatch/pkg/logx"
)

// Cache exposes the flat per-subscriber policy fields of the local cache.
// A subscriber with nothing stored yields an empty map and no error.
type Cache interface {
	PolicyFields(ctx context.Context, subscriberID string) (map[string]string, error)
}

// Reader reads and decodes policies. It never fails: a cache error is logged
// and the disabled default is returned.
type Reader struct {
	cache Cache
	log   logx.Logger
}

func NewReader(cache Cache, log logx.Logger) *Reader {
	return &Reader{cache: cache, log: log.With(logx.String("comp", "policy"))}
}

// Load returns the decoded policy or the cache error.
func (r *Reader) Load(ctx context.Context, subscriberID string) (incident.Policy, error) {
	if r == nil || r.cache == nil {
		return incident.DefaultPolicy(), nil
	}
	fields, err := r.cache.PolicyFields(ctx, subscriberID)
	if err != nil {
		return incident.DefaultPolicy(), fmt.Errorf("policy read %q: %w", subscriberID, err)
	}
	return incident.PolicyFromFields(fields), nil
}

// Read is Load with read failures degraded to the default (deny) policy.
func (r *Reader) Read(ctx context.Context, subscriberID string) incident.Policy {
	p, err := r.Load(ctx, subscriberID)
	if err != nil {
		r.log.Warn("policy read failed; treating as disabled",
			logx.Subscriber(subscriberID), logx.Err(err))
		return incident.DefaultPolicy()
	}
	return p
}
