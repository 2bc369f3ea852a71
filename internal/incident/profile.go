package incident

import "errors"

// ErrMalformedProfile marks a stored profile that cannot be decoded. Reading
// it again will not help.
var ErrMalformedProfile = errors.New("malformed profile")

// Profile is a subscriber's topic interests plus where to deliver.
// It is loaded once per session and treated as immutable afterwards.
type Profile struct {
	SubscriberID string   `json:"subscriber_id"`
	Lines        []string `json:"lines,omitempty"`
	Stations     []string `json:"stations,omitempty"`

	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// HasInterests reports whether the profile subscribes to anything at all.
func (p Profile) HasInterests() bool { return len(p.Lines) > 0 || len(p.Stations) > 0 }

func (p Profile) FollowsLine(line string) bool {
	if line == "" {
		return false
	}
	for _, l := range p.Lines {
		if l == line {
			return true
		}
	}
	return false
}

func (p Profile) FollowsStation(station string) bool {
	if station == "" {
		return false
	}
	for _, s := range p.Stations {
		if s == station {
			return true
		}
	}
	return false
}
