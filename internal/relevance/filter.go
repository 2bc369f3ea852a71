// Package relevance decides whether a new incident should reach a subscriber.
package relevance

import (
	"time"

	"transitwatch/internal/incident"
	"transitwatch/internal/policy"
)

// Reason explains a Decision.
type Reason string

const (
	Accepted     Reason = "accepted"
	SelfAuthored Reason = "self_authored"
	NoTopicMatch Reason = "no_topic_match"
	PolicyDenied Reason = "policy_denied"
)

type Decision struct {
	Deliver bool
	Reason  Reason
}

// Evaluate runs the checks in order: author, topic (line OR station), policy.
// Profile and policy are snapshots; Evaluate never reads any store.
func Evaluate(ev incident.Event, p incident.Profile, pol incident.Policy, subscriberID string, now time.Time) Decision {
	if ev.AuthorID != "" && ev.AuthorID == subscriberID {
		return Decision{Reason: SelfAuthored}
	}
	if !p.FollowsLine(ev.Line) && !p.FollowsStation(ev.Station) {
		return Decision{Reason: NoTopicMatch}
	}
	if !policy.Allowed(pol, now, ev.Severity) {
		return Decision{Reason: PolicyDenied}
	}
	return Decision{Deliver: true, Reason: Accepted}
}

func ShouldDeliver(ev incident.Event, p incident.Profile, pol incident.Policy, subscriberID string, now time.Time) bool {
	return Evaluate(ev, p, pol, subscriberID, now).Deliver
}
