package events

// DefaultCapacity is the number of recent events kept for the activity feed.
const DefaultCapacity = 50

// Ring keeps the most recent events by value. When full, the oldest is overwritten.
// Not safe for concurrent use; the Dispatcher guards it.
type Ring struct {
	buf   []RealtimeEvent
	next  int
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]RealtimeEvent, capacity)}
}

// Push stores a copy of evt, so later changes to the caller's payload don't reach it.
func (r *Ring) Push(evt RealtimeEvent) {
	r.buf[r.next] = evt.clone()
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *Ring) Len() int { return r.count }

func (r *Ring) Cap() int { return len(r.buf) }

// Newest returns copies of the stored events, newest first.
func (r *Ring) Newest() []RealtimeEvent {
	out := make([]RealtimeEvent, 0, r.count)
	for i := 1; i <= r.count; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx].clone())
	}
	return out
}
