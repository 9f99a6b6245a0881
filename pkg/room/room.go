package room

import (
	"context"
	"errors"
	"log"
	"runtime/debug"

	"collab-drawer/pkg/metrics"
)

// ErrRegistryClosed is returned by broadcasts submitted after Run returned.
var ErrRegistryClosed = errors.New("registry is not running")

// Conn is a live client connection as seen by the registry.
type Conn interface {
	ID() string
	// Send queues payload for delivery. It must not block.
	Send(payload []byte) error
}

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Delivered int
	Failed    []string // IDs of connections whose send failed
	Err       error    // set when the broadcast never ran
}

type broadcast struct {
	payload       []byte
	senderPayload []byte // nil means the sender is skipped
	sender        Conn
	result        chan Delivery
}

// Registry tracks the open connections and fans out messages to them.
// Membership and send loops are owned by the goroutine running Run; every
// other method only submits a request to it.
type Registry struct {
	conns map[string]Conn

	register   chan Conn
	unregister chan Conn
	broadcast  chan *broadcast
	count      chan chan int
	done       chan struct{}

	metrics *metrics.Metrics
}

// NewRegistry creates a registry. Run must be started before use.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		conns:      make(map[string]Conn),
		register:   make(chan Conn),
		unregister: make(chan Conn),
		broadcast:  make(chan *broadcast),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		metrics:    m,
	}
}

// Run serves registry requests until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.done)
	log.Println("Registry run started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("Registry stopping with %d connections", len(r.conns))
			return nil
		case c := <-r.register:
			r.conns[c.ID()] = c
			r.metrics.SetConnections(len(r.conns))
			log.Printf("Registered connection %s (%d open)", c.ID(), len(r.conns))
		case c := <-r.unregister:
			if _, ok := r.conns[c.ID()]; ok {
				delete(r.conns, c.ID())
				r.metrics.SetConnections(len(r.conns))
				log.Printf("Unregistered connection %s (%d open)", c.ID(), len(r.conns))
			}
		case b := <-r.broadcast:
			b.result <- r.deliver(b)
		case reply := <-r.count:
			reply <- len(r.conns)
		}
	}
}

// deliver runs one send loop. A failing recipient is logged and skipped; it
// stays registered until its transport reports the close.
func (r *Registry) deliver(b *broadcast) (d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("panic in registry deliver: %v\n%s", rec, debug.Stack())
		}
	}()
	for id, c := range r.conns {
		payload := b.payload
		if b.sender != nil && id == b.sender.ID() {
			if b.senderPayload == nil {
				continue
			}
			payload = b.senderPayload
		}
		if err := c.Send(payload); err != nil {
			log.Printf("[registry] send to %s failed: %v", id, err)
			d.Failed = append(d.Failed, id)
			r.metrics.Delivery(false)
			continue
		}
		d.Delivered++
		r.metrics.Delivery(true)
	}
	return d
}

// Register adds c. Registering the same connection twice is a no-op.
func (r *Registry) Register(c Conn) {
	select {
	case r.register <- c:
	case <-r.done:
	}
}

// Unregister removes c if it is registered.
func (r *Registry) Unregister(c Conn) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

// BroadcastExcept sends payload to every connection except sender.
func (r *Registry) BroadcastExcept(payload []byte, sender Conn) Delivery {
	return r.submit(&broadcast{payload: payload, sender: sender})
}

// BroadcastWithSenderVariant sends senderPayload to sender and payload to
// everyone else.
func (r *Registry) BroadcastWithSenderVariant(payload, senderPayload []byte, sender Conn) Delivery {
	if senderPayload == nil {
		senderPayload = payload
	}
	return r.submit(&broadcast{payload: payload, senderPayload: senderPayload, sender: sender})
}

func (r *Registry) submit(b *broadcast) Delivery {
	b.result = make(chan Delivery, 1)
	select {
	case r.broadcast <- b:
	case <-r.done:
		return Delivery{Err: ErrRegistryClosed}
	}
	return <-b.result
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	reply := make(chan int, 1)
	select {
	case r.count <- reply:
	case <-r.done:
		return 0
	}
	return <-reply
}
