// Package logsink is a transport that writes notifications to the log instead
// of a chat. It is used when no bot token is configured.
package logsink

import (
	"context"
	"sync"
	"sync/atomic"

	kit "transitwatch/internal/transport"
	"transitwatch/pkg/logx"
)

type Sender struct {
	log logx.Logger
	seq atomic.Int64

	mu   sync.Mutex
	sent []Sent
	keep int
}

// Sent is a recorded delivery.
type Sent struct {
	To   kit.ChatTarget
	Text string
}

// New returns a sender that keeps the last keep messages for inspection.
func New(log logx.Logger, keep int) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log.With(logx.String("comp", "logsink")), keep: keep}
}

func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	id := int(s.seq.Add(1))
	s.log.Info("notification",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("thread_id", to.ThreadID),
		logx.String("text", text),
	)
	if s.keep > 0 {
		s.mu.Lock()
		s.sent = append(s.sent, Sent{To: to, Text: text})
		if len(s.sent) > s.keep {
			s.sent = append([]Sent(nil), s.sent[len(s.sent)-s.keep:]...)
		}
		s.mu.Unlock()
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

// Sent returns a copy of the recorded deliveries, oldest first.
func (s *Sender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}
