// Package broadcaster fans out per-process log/status events to an
// arbitrary number of live subscribers, assigning monotonic, resumable
// event IDs.
package broadcaster

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/kandev/missionctl/internal/logger"
)

func marshalEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

const subscriberQueueSize = 256

// EventType tags the kind of payload a subscriber receives.
type EventType string

const (
	EventLog    EventType = "log"
	EventOutput EventType = "output"
	EventStatus EventType = "status"
	EventError  EventType = "error"
)

// Event is the payload delivered to subscribers.
type Event struct {
	ID     uint64    `json:"id"`
	Type   EventType `json:"type"`
	Stream string    `json:"stream,omitempty"`
	Data   string    `json:"data,omitempty"`
}

// Sink is anything that can receive broadcast events for one process. Send
// must never block; a sink signals backpressure by returning false, at
// which point the Broadcaster drops it.
type Sink interface {
	Send(evt Event) bool
	Close()
}

// channelSink adapts a buffered Go channel to the Sink interface, the
// in-process analogue of a websocket client's outgoing queue.
type channelSink struct {
	ch     chan Event
	once   sync.Once
}

// NewChannelSink returns a Sink backed by a buffered channel of the given
// capacity (the caller reads from Events()).
func NewChannelSink(capacity int) *channelSink {
	if capacity <= 0 {
		capacity = subscriberQueueSize
	}
	return &channelSink{ch: make(chan Event, capacity)}
}

func (c *channelSink) Events() <-chan Event { return c.ch }

func (c *channelSink) Send(evt Event) bool {
	select {
	case c.ch <- evt:
		return true
	default:
		return false
	}
}

func (c *channelSink) Close() {
	c.once.Do(func() { close(c.ch) })
}

type perProcess struct {
	mu         sync.Mutex
	nextID     uint64
	subscribers map[Sink]struct{}
}

// Broadcaster owns the per-process subscriber sets and event counters.
type Broadcaster struct {
	mu        sync.Mutex
	processes map[string]*perProcess
	nc        *nats.Conn
	log       *logger.Logger
}

// New creates a Broadcaster. If natsURL is non-empty, every broadcast is
// also best-effort published to NATS for external local observers; a NATS
// outage degrades to in-process-only delivery and is only logged.
func New(natsURL string, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{processes: make(map[string]*perProcess), log: log}
	if natsURL == "" {
		return b
	}
	nc, err := nats.Connect(natsURL)
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("broadcaster: NATS connect failed, continuing without secondary sink")
		}
		return b
	}
	b.nc = nc
	return b
}

func (b *Broadcaster) entry(processID string) *perProcess {
	b.mu.Lock()
	defer b.mu.Unlock()
	pp, ok := b.processes[processID]
	if !ok {
		pp = &perProcess{subscribers: make(map[Sink]struct{})}
		b.processes[processID] = pp
	}
	return pp
}

// Subscribe registers sink to receive every subsequent broadcast for
// processID.
func (b *Broadcaster) Subscribe(processID string, sink Sink) {
	pp := b.entry(processID)
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.subscribers[sink] = struct{}{}
}

// Unsubscribe removes sink; safe to call even if already removed (e.g. by a
// prior backpressure drop).
func (b *Broadcaster) Unsubscribe(processID string, sink Sink) {
	pp := b.entry(processID)
	pp.mu.Lock()
	defer pp.mu.Unlock()
	delete(pp.subscribers, sink)
}

// NextEventID atomically increments and returns processID's monotonic event
// counter, starting at 1.
func (b *Broadcaster) NextEventID(processID string) uint64 {
	pp := b.entry(processID)
	return atomic.AddUint64(&pp.nextID, 1)
}

// Current returns the highest event ID issued so far for processID.
func (b *Broadcaster) Current(processID string) uint64 {
	pp := b.entry(processID)
	return atomic.LoadUint64(&pp.nextID)
}

// Broadcast delivers evt to every current subscriber of processID. A sink
// whose Send reports backpressure is closed and dropped; the producer and
// other sinks are never blocked by it.
func (b *Broadcaster) Broadcast(processID string, evt Event) {
	pp := b.entry(processID)

	pp.mu.Lock()
	dead := make([]Sink, 0)
	for sink := range pp.subscribers {
		if !sink.Send(evt) {
			dead = append(dead, sink)
		}
	}
	for _, sink := range dead {
		delete(pp.subscribers, sink)
	}
	pp.mu.Unlock()

	for _, sink := range dead {
		sink.Close()
	}

	if b.nc != nil {
		subject := "missions.process." + processID
		if data, err := marshalEvent(evt); err == nil {
			_ = b.nc.Publish(subject, data)
		}
	}
}

// Resume sends catch-up events drawn from recentLines to sink when the
// subscriber's last seen ID (k) is behind current, then leaves sink
// subscribed for live delivery. Each catch-up line gets a fresh monotonic
// ID, so it may duplicate content already seen; ordering is never
// duplicated.
func (b *Broadcaster) Resume(processID string, lastEventID uint64, recentLines []string, stream string, sink Sink) {
	if lastEventID < b.Current(processID) {
		for _, line := range recentLines {
			evt := Event{ID: b.NextEventID(processID), Type: EventOutput, Stream: stream, Data: line}
			sink.Send(evt)
		}
	}
	b.Subscribe(processID, sink)
}

// Drop removes all bookkeeping for processID, used once its process has
// exited and every consumer has disconnected.
func (b *Broadcaster) Drop(processID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.processes, processID)
}

// Cleanup closes the optional NATS connection.
func (b *Broadcaster) Cleanup() {
	if b.nc != nil {
		b.nc.Close()
	}
}
