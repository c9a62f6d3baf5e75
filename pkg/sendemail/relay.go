package sendemail

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"sync/atomic"

	"hirechat/pkg/events"
	"hirechat/pkg/feed"
	"hirechat/pkg/logging"
)

const relayQueueSize = 32

// Relay forwards selected notification events by email. Sending happens on Run's
// goroutine so a slow mail API never holds up dispatch.
type Relay struct {
	mail   EmailService
	to     string
	types  []string
	queue  chan events.RealtimeEvent
	logger *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64

	mu     sync.Mutex
	source *events.Dispatcher
	subs   map[string]events.SubscriptionID
	closed bool
}

func NewRelay(mail EmailService, to string, eventTypes []string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Relay{
		mail:   mail,
		to:     to,
		types:  append([]string(nil), eventTypes...),
		queue:  make(chan events.RealtimeEvent, relayQueueSize),
		logger: logger.With("component", "email_relay"),
		subs:   make(map[string]events.SubscriptionID),
	}
}

// Attach subscribes to the configured event types.
func (r *Relay) Attach(d *events.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source != nil {
		return
	}
	r.source = d
	for _, t := range r.types {
		r.subs[t] = d.Subscribe(t, r.enqueue)
	}
}

func (r *Relay) enqueue(evt *events.RealtimeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- *evt:
	default:
		r.failed.Add(1)
		r.logger.Warn("email relay queue full, dropping", "event_type", evt.EventType)
	}
}

// Run sends queued notifications until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	defer r.detach()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-r.queue:
			r.deliver(evt)
		}
	}
}

func (r *Relay) detach() {
	r.mu.Lock()
	d, subs := r.source, r.subs
	r.source = nil
	r.subs = make(map[string]events.SubscriptionID)
	r.closed = true
	r.mu.Unlock()
	if d == nil {
		return
	}
	for t, id := range subs {
		d.Unsubscribe(t, id)
	}
}

func (r *Relay) deliver(evt events.RealtimeEvent) {
	entry := feed.Project(evt)
	subject, text, htmlBody := Render(entry)
	if err := r.mail.SendEmail(subject, r.to, text, htmlBody); err != nil {
		r.failed.Add(1)
		r.logger.Warn("relay email failed", "event_type", evt.EventType, "error", err)
		return
	}
	r.sent.Add(1)
	r.logger.Debug("relayed notification", "event_type", evt.EventType)
}

// Render builds the subject and bodies for one feed entry.
func Render(entry feed.Entry) (subject, text, htmlBody string) {
	subject = fmt.Sprintf("%s %s", entry.Icon, feed.Truncate(entry.Description, 78))
	text = entry.Description
	if entry.Timestamp != "" {
		text += "\n\n" + entry.Timestamp
	}
	htmlBody = fmt.Sprintf("<p>%s</p>", html.EscapeString(entry.Description))
	if entry.Timestamp != "" {
		htmlBody += fmt.Sprintf("<p><small>%s</small></p>", html.EscapeString(entry.Timestamp))
	}
	return subject, text, htmlBody
}

func (r *Relay) Sent() uint64   { return r.sent.Load() }
func (r *Relay) Failed() uint64 { return r.failed.Load() }
