package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"hirechat/pkg/events"
	"hirechat/pkg/logging"
)

// DefaultQueueSize bounds events waiting to be archived.
const DefaultQueueSize = 256

var archiveNamespace = uuid.MustParse("6f1d2c1e-8b0a-4c55-9a43-2f7d0f6c9e11")

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Record is one archived row.
type Record struct {
	ID          uuid.UUID
	EventType   string
	Icon        string
	Style       string
	Description string
	Payload     []byte
	OccurredAt  string
	ReceivedAt  time.Time
}

// NewRecord projects evt and derives a stable id so a replayed event is stored once.
func NewRecord(evt events.RealtimeEvent, receivedAt time.Time) (Record, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode payload: %w", err)
	}
	entry := Project(evt)
	key := evt.EventType + "\x00" + evt.Timestamp + "\x00" + string(payload)
	return Record{
		ID:          uuid.NewSHA1(archiveNamespace, []byte(key)),
		EventType:   evt.EventType,
		Icon:        entry.Icon,
		Style:       entry.Style,
		Description: entry.Description,
		Payload:     payload,
		OccurredAt:  evt.Timestamp,
		ReceivedAt:  receivedAt,
	}, nil
}

// Archive persists feed entries to Postgres off the dispatch path. Events are queued and
// written by a single worker; when the queue is full new events are dropped and counted.
type Archive struct {
	db     Execer
	queue  chan events.RealtimeEvent
	logger *slog.Logger

	dropped atomic.Uint64
	written atomic.Uint64

	mu     sync.Mutex
	subID  events.SubscriptionID
	source *events.Dispatcher
	closed bool
}

func NewArchive(db Execer, queueSize int, logger *slog.Logger) *Archive {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Archive{
		db:     db,
		queue:  make(chan events.RealtimeEvent, queueSize),
		logger: logger.With("component", "archive"),
	}
}

// Attach archives every event dispatched by d.
func (a *Archive) Attach(d *events.Dispatcher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.source != nil {
		return
	}
	a.source = d
	a.subID = d.Subscribe(events.Wildcard, func(evt *events.RealtimeEvent) { a.Enqueue(*evt) })
}

// Enqueue never blocks. It reports whether the event was accepted.
func (a *Archive) Enqueue(evt events.RealtimeEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- evt:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Run writes queued events until ctx ends, then flushes what is left and returns.
func (a *Archive) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			a.drain()
			return nil
		case evt := <-a.queue:
			a.store(ctx, evt)
		}
	}
}

func (a *Archive) shutdown() {
	a.mu.Lock()
	d, id := a.source, a.subID
	a.source = nil
	a.closed = true
	a.mu.Unlock()
	if d != nil {
		d.Unsubscribe(events.Wildcard, id)
	}
}

func (a *Archive) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-a.queue:
			a.store(ctx, evt)
		default:
			return
		}
	}
}

func (a *Archive) store(ctx context.Context, evt events.RealtimeEvent) {
	rec, err := NewRecord(evt, time.Now().UTC())
	if err != nil {
		a.logger.Warn("skipping unarchivable event", "event_type", evt.EventType, "error", err)
		return
	}
	if err := a.Insert(ctx, rec); err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Warn("archive insert failed", "event_type", evt.EventType, "error", err)
		}
		return
	}
	a.written.Add(1)
}

// Insert writes one record; a duplicate id is ignored.
func (a *Archive) Insert(ctx context.Context, rec Record) error {
	if a.db == nil {
		return errors.New("db pool is nil")
	}

	const insertSQL = `
		INSERT INTO activity_log (id, event_type, icon, style, description, payload, occurred_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.db.Exec(ctxTimeout, insertSQL,
		rec.ID, rec.EventType, rec.Icon, rec.Style, rec.Description, rec.Payload, rec.OccurredAt, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Dropped counts events rejected because the queue was full.
func (a *Archive) Dropped() uint64 { return a.dropped.Load() }

// Written counts rows inserted (including ignored duplicates).
func (a *Archive) Written() uint64 { return a.written.Load() }
