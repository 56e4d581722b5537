// Package eventbus is the per-scan publish/subscribe channel. It
// generalizes the teacher's single, unbuffered runtime.EventsEmit
// broadcast (see logger.WailsHandler and the scattered EventsEmit calls
// across internal/core/engine.go) into bounded per-subscriber queues, so
// a slow subscriber can never block a publisher — the exact failure mode
// the direct-emit approach was prone to.
package eventbus

import (
	"sync"
	"time"
)

// EventType enumerates the message envelope's type field.
type EventType string

const (
	EventScanStarted       EventType = "scan_started"
	EventScanPhase         EventType = "scan_phase"
	EventScanProgress      EventType = "scan_progress"
	EventModuleStatus      EventType = "module_status"
	EventNewFinding        EventType = "new_finding"
	EventCurrentTargetURL  EventType = "current_target_url"
	EventScanCompleted     EventType = "scan_completed"
	EventLagged            EventType = "lagged"
	EventLogEntry          EventType = "log_entry"
)

// Event is the message envelope delivered to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	ScanID    string      `json:"scan_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

const defaultHistoryMax = 200
const defaultQueueDepth = 1024

// Subscription is a live handle into one scan's event stream. Events()
// yields history replay first, then live events, until Close is called
// or the bus closes the scan's stream.
type Subscription struct {
	events chan Event
	closed chan struct{}
	once   sync.Once
}

// Events returns the channel to range over.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close stops delivery to this subscriber and releases its queue.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

type scanStream struct {
	mu          sync.Mutex
	history     []Event
	historyMax  int
	subscribers map[*Subscription]chan Event
	queueDepth  int
	terminal    bool
}

func newScanStream(historyMax, queueDepth int) *scanStream {
	if historyMax <= 0 {
		historyMax = defaultHistoryMax
	}
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &scanStream{
		historyMax:  historyMax,
		queueDepth:  queueDepth,
		subscribers: make(map[*Subscription]chan Event),
	}
}

// Bus is the process-wide Event Bus: one scanStream per scan_id.
type Bus struct {
	mu         sync.Mutex
	streams    map[string]*scanStream
	historyMax int
	queueDepth int
}

// New builds a Bus. historyMax and queueDepth use the spec defaults (200,
// 1024) when zero.
func New(historyMax, queueDepth int) *Bus {
	return &Bus{
		streams:    make(map[string]*scanStream),
		historyMax: historyMax,
		queueDepth: queueDepth,
	}
}

func (b *Bus) streamFor(scanID string) *scanStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[scanID]
	if !ok {
		st = newScanStream(b.historyMax, b.queueDepth)
		b.streams[scanID] = st
	}
	return st
}

// Publish delivers an event to every current subscriber of scanID and
// appends it to the bounded replay history. Publishers never block: a
// subscriber whose queue is full has its oldest buffered events dropped
// and receives a synthetic `lagged` event ahead of the new one.
func (b *Bus) Publish(scanID string, eventType EventType, data interface{}) {
	st := b.streamFor(scanID)
	evt := Event{Type: eventType, ScanID: scanID, Timestamp: time.Now(), Data: data}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.history = append(st.history, evt)
	if len(st.history) > st.historyMax {
		st.history = st.history[len(st.history)-st.historyMax:]
	}

	for sub, ch := range st.subscribers {
		deliver(sub, ch, evt, st.queueDepth)
	}

	if eventType == EventScanCompleted {
		st.terminal = true
		for sub, ch := range st.subscribers {
			close(ch)
			delete(st.subscribers, sub)
		}
	}
}

// deliver enqueues evt on ch, dropping the oldest queued events and
// injecting a lagged marker if ch is full. Channel sends here never
// block past the non-blocking select, so Publish's caller is never held
// up by a slow subscriber.
func deliver(sub *Subscription, ch chan Event, evt Event, depth int) {
	select {
	case ch <- evt:
		return
	default:
	}

	// Queue full: drop the two oldest buffered events to make room, then
	// enqueue a lagged marker followed by the new event.
	dropped := 0
	for i := 0; i < 2; i++ {
		select {
		case <-ch:
			dropped++
		default:
		}
	}
	select {
	case ch <- Event{Type: EventLagged, ScanID: evt.ScanID, Timestamp: time.Now(), Data: map[string]int{"dropped": dropped}}:
	default:
	}
	select {
	case ch <- evt:
	default:
	}
}

// Subscribe returns a Subscription that first replays buffered history
// (without duplicating events also delivered live), then streams live
// events until the scan reaches scan_completed or Close is called.
func (b *Bus) Subscribe(scanID string) *Subscription {
	st := b.streamFor(scanID)

	st.mu.Lock()
	ch := make(chan Event, st.queueDepth)
	replay := append([]Event(nil), st.history...)
	sub := &Subscription{events: ch, closed: make(chan struct{})}
	terminal := st.terminal
	if !terminal {
		st.subscribers[sub] = ch
	}
	st.mu.Unlock()

	out := make(chan Event, st.queueDepth)
	go func() {
		defer close(out)
		for _, e := range replay {
			select {
			case out <- e:
			case <-sub.closed:
				return
			}
		}
		if terminal {
			return
		}
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-sub.closed:
					return
				}
			case <-sub.closed:
				return
			}
		}
	}()

	sub.events = out
	return sub
}

// Unsubscribe detaches sub from its scan stream's live fan-out, e.g.
// after Close.
func (b *Bus) Unsubscribe(scanID string, sub *Subscription) {
	st := b.streamFor(scanID)
	st.mu.Lock()
	delete(st.subscribers, sub)
	st.mu.Unlock()
}

// DropScan releases a completed scan's stream state. Call it once a
// scan's result has been durably aggregated elsewhere (e.g. storage) and
// no further replay is needed.
func (b *Bus) DropScan(scanID string) {
	b.mu.Lock()
	delete(b.streams, scanID)
	b.mu.Unlock()
}
