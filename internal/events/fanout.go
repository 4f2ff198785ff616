package events

import (
	"encoding/base64"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
)

// Serialized holds one event pre-encoded in both wire formats, so that it is
// encoded once however many clients receive it.
type Serialized struct {
	Kind         Kind
	JSONData     []byte
	ProtobufData []byte // base64 for SSE transport
	Raw          []byte // protobuf wire form
}

// Serialize encodes e in both formats.
func Serialize(e Event) (*Serialized, error) {
	pb, err := Encode(e)
	if err != nil {
		return nil, err
	}
	js, err := EncodeJSON(e)
	if err != nil {
		return nil, err
	}
	return &Serialized{
		Kind:         e.Kind(),
		JSONData:     js,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pb)),
		Raw:          pb,
	}, nil
}

// Fanout is a Handler that broadcasts serialized events to subscribers.
// A slow subscriber misses events rather than stalling the engine.
type Fanout struct {
	mu      sync.Mutex
	clients map[int]chan *Serialized
	nextID  int
	closed  bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewFanout returns a broadcaster with no subscribers.
func NewFanout() *Fanout {
	return &Fanout{clients: make(map[int]chan *Serialized)}
}

// Subscribe adds a client with room for buffer pending events.
func (f *Fanout) Subscribe(buffer int) (int, <-chan *Serialized) {
	if buffer < 1 {
		buffer = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan *Serialized, buffer)
	if f.closed {
		close(ch)
		return id, ch
	}
	f.clients[id] = ch
	logger.Debug("EventFanout", "Client #%d subscribed (total clients: %d)", id, len(f.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (f *Fanout) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
		logger.Debug("EventFanout", "Client #%d unsubscribed (remaining clients: %d)", id, len(f.clients))
	}
}

// Clients returns the number of subscribers.
func (f *Fanout) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// HandleEvent implements Handler.
func (f *Fanout) HandleEvent(e Event) {
	f.mu.Lock()
	n := len(f.clients)
	f.mu.Unlock()
	if n == 0 {
		return
	}

	s, err := Serialize(e)
	if err != nil {
		logger.Error("EventFanout", "serialize %v: %v", e.Kind(), err)
		return
	}
	f.Publish(s)
}

// Publish sends an already serialized event to every subscriber.
func (f *Fanout) Publish(s *Serialized) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.clients {
		select {
		case ch <- s:
			f.sent.Add(1)
		default:
			f.dropped.Add(1)
		}
	}
}

// Stats returns the number of deliveries and of events dropped on slow
// clients.
func (f *Fanout) Stats() (sent, dropped uint64) {
	return f.sent.Load(), f.dropped.Load()
}

// Close unsubscribes every client.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
	}
	f.closed = true
}
