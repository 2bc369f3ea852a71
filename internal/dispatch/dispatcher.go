// Package dispatch renders accepted incidents into notifications and hands
// them to the delivery sink.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"transitwatch/internal/incident"
	kit "transitwatch/internal/transport"
	"transitwatch/pkg/logx"
)

// Meta travels with a notification into the sink.
type Meta struct {
	SubscriberID string
	EventID      string
	Line         string
	Station      string
	Severity     incident.Severity
	Target       kit.ChatTarget
}

// ErrDuplicate is returned by a Sink that already delivered this event to
// this subscriber.
var ErrDuplicate = errors.New("duplicate notification")

// Sink accepts rendered notifications. Enqueue is fire-and-forget: a nil
// error only means the notification was accepted.
type Sink interface {
	Enqueue(ctx context.Context, title, body string, meta Meta) error
}

type Result struct {
	Delivered bool
	// Duplicate is set when the sink suppressed an earlier-delivered event.
	Duplicate bool
	Title     string
	Body      string
}

type Dispatcher struct {
	lines LineDirectory
	sink  Sink
	log   logx.Logger
}

func New(lines LineDirectory, sink Sink, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{lines: lines, sink: sink, log: log.With(logx.String("comp", "dispatch"))}
}

// Dispatch enqueues exactly one notification for ev. Sink errors are logged
// and reported as Delivered=false; they are never retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, subscriberID string, ev incident.Event, to kit.ChatTarget) Result {
	res := Result{Title: d.Title(ev), Body: Body(ev)}
	meta := Meta{
		SubscriberID: subscriberID,
		EventID:      ev.ID,
		Line:         ev.Line,
		Station:      ev.Station,
		Severity:     ev.Severity,
		Target:       to,
	}
	start := time.Now()
	err := d.sink.Enqueue(ctx, res.Title, res.Body, meta)
	if errors.Is(err, ErrDuplicate) {
		d.log.Debug("already delivered", logx.Subscriber(subscriberID), logx.Event(ev.ID))
		res.Duplicate = true
		return res
	}
	if err != nil {
		d.log.Warn("dispatch failed",
			logx.Subscriber(subscriberID),
			logx.Event(ev.ID),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
		return res
	}
	res.Delivered = true
	return res
}

// Title is "<glyph> <line label or station> · <severity>".
func (d *Dispatcher) Title(ev incident.Event) string {
	place := strings.TrimSpace(ev.Station)
	if d.lines != nil && ev.Line != "" {
		if info, ok := d.lines.Lookup(ev.Line); ok && strings.TrimSpace(info.Label) != "" {
			place = info.Label
		}
	}
	if place == "" {
		place = ev.Line
	}

	var b strings.Builder
	if g := ev.Severity.Glyph(); g != "" {
		b.WriteString(g)
		b.WriteByte(' ')
	}
	b.WriteString(place)
	b.WriteString(" · ")
	b.WriteString(ev.Severity.Label())
	return b.String()
}

// Body is "<severity> · <kind> @ <station> (<direction>)".
func Body(ev incident.Event) string {
	kind := strings.TrimSpace(ev.Kind)
	if kind == "" {
		kind = "incident"
	}
	var b strings.Builder
	b.WriteString(ev.Severity.Label())
	b.WriteString(" · ")
	b.WriteString(kind)
	if st := strings.TrimSpace(ev.Station); st != "" {
		b.WriteString(" @ ")
		b.WriteString(st)
	}
	if dir := strings.TrimSpace(ev.Direction); dir != "" {
		b.WriteString(" (towards ")
		b.WriteString(dir)
		b.WriteString(")")
	}
	return b.String()
}
