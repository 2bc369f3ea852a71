package session

import (
	"transitwatch/internal/feed"
	"transitwatch/internal/incident"
)

// Cursor separates the backlog from genuinely new feed entries.
//
// The first snapshot only records the newest id. Afterwards every Added
// change whose id differs from the last seen one is a candidate, in feed
// order, and becomes the new last seen id.
type Cursor struct {
	LastSeenEventID string
	Initialized     bool
}

// Apply advances the cursor over s and returns the new candidates.
func (c *Cursor) Apply(s feed.Snapshot) []incident.Event {
	if !c.Initialized {
		if newest, ok := s.Newest(); ok {
			c.LastSeenEventID = newest.ID
		}
		c.Initialized = true
		return nil
	}
	var out []incident.Event
	for _, ch := range s.Changes {
		if ch.Kind != feed.Added {
			continue
		}
		if ch.Event.ID == c.LastSeenEventID {
			continue
		}
		out = append(out, ch.Event)
		c.LastSeenEventID = ch.Event.ID
	}
	return out
}
