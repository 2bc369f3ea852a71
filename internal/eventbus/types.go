package eventbus

// Session lifecycle events. Data is a SessionInfo.
const (
	SessionStarted   = "session.started"
	SessionStopped   = "session.stopped"
	SessionFailed    = "session.failed"
	SessionFeedError = "session.feed_error"
)

// SessionInfo is the payload of session.* events.
type SessionInfo struct {
	SubscriberID string `json:"subscriber_id"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
}
