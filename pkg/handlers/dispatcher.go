package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collab-drawer/pkg/metrics"
	"collab-drawer/pkg/ot"
	"collab-drawer/pkg/room"
)

// Sequencer orders and transforms edits.
type Sequencer interface {
	ProcessText(op ot.Operation) ot.Operation
	ProcessMove(op ot.Operation) ot.Operation
}

// Broadcaster fans messages out to the open connections.
type Broadcaster interface {
	BroadcastExcept(payload []byte, sender room.Conn) room.Delivery
	BroadcastWithSenderVariant(payload, senderPayload []byte, sender room.Conn) room.Delivery
}

// Persister writes sequenced operations to the operation log.
type Persister interface {
	PersistOperation(ctx context.Context, op ot.Operation) error
}

// Dispatcher routes inbound messages by action.
type Dispatcher struct {
	sequencer      Sequencer
	broadcaster    Broadcaster
	persister      Persister
	persistTimeout time.Duration
	metrics        *metrics.Metrics
	now            func() time.Time

	// order holds one lock per exercise from sequencing until the response
	// is queued, so broadcasts of an exercise leave in sequence order.
	orderMu sync.Mutex
	order   map[int]*sync.Mutex
}

// NewDispatcher creates a Dispatcher. persister and m may be nil.
func NewDispatcher(seq Sequencer, b Broadcaster, p Persister, persistTimeout time.Duration, m *metrics.Metrics) *Dispatcher {
	if persistTimeout <= 0 {
		persistTimeout = 2 * time.Second
	}
	return &Dispatcher{
		sequencer:      seq,
		broadcaster:    b,
		persister:      p,
		persistTimeout: persistTimeout,
		metrics:        m,
		now:            time.Now,
		order:          make(map[int]*sync.Mutex),
	}
}

func (d *Dispatcher) orderLock(exerciseID int) *sync.Mutex {
	d.orderMu.Lock()
	defer d.orderMu.Unlock()
	mu, ok := d.order[exerciseID]
	if !ok {
		mu = &sync.Mutex{}
		d.order[exerciseID] = mu
	}
	return mu
}

// OnMessage handles one inbound message from sender. Malformed messages and
// unknown actions are dropped without any state change and the cause is
// returned. Nothing is ever sent back to the sender on error.
func (d *Dispatcher) OnMessage(raw []byte, sender room.Conn) error {
	action, err := decodeAction(raw)
	if err != nil {
		d.drop("malformed", sender, err)
		return err
	}

	switch action {
	case ActionSync, ActionTextUpdate, ActionApplyPatch:
		return d.checkDelivery(action, d.broadcaster.BroadcastExcept(raw, sender))
	case ActionEditOperation:
		return d.handleEdit(raw, sender)
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownAction, action)
		d.drop("unknown_action", sender, err)
		return err
	}
}

func (d *Dispatcher) handleEdit(raw []byte, sender room.Conn) error {
	edit, err := DecodeEdit(raw, d.now())
	if err != nil {
		d.drop("malformed", sender, err)
		return err
	}

	mu := d.orderLock(edit.Operation().ExerciseID)
	mu.Lock()
	defer mu.Unlock()

	var op ot.Operation
	switch e := edit.(type) {
	case MoveEdit:
		op = d.sequencer.ProcessMove(e.Operation())
	case TextEdit:
		op = d.sequencer.ProcessText(e.Operation())
	}

	d.persist(op)

	others, own, err := encodeResponse(op)
	if err != nil {
		return fmt.Errorf("encode response for seq %d: %w", op.ServerSequence, err)
	}
	return d.checkDelivery(ActionEditOperation, d.broadcaster.BroadcastWithSenderVariant(others, own, sender))
}

// persist writes op within the persist timeout. Failure does not undo
// sequencing.
func (d *Dispatcher) persist(op ot.Operation) {
	if d.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.persistTimeout)
	defer cancel()
	if err := d.persister.PersistOperation(ctx, op); err != nil {
		log.Printf("Failed to persist operation (exercise %d seq %d): %v", op.ExerciseID, op.ServerSequence, err)
		d.metrics.PersistFailed()
	}
}

func (d *Dispatcher) checkDelivery(action string, res room.Delivery) error {
	if res.Err != nil {
		return fmt.Errorf("broadcast %s: %w", action, res.Err)
	}
	if len(res.Failed) > 0 {
		log.Printf("Broadcast %s: delivered to %d, failed for %v", action, res.Delivered, res.Failed)
	}
	return nil
}

func (d *Dispatcher) drop(reason string, sender room.Conn, err error) {
	id := "unknown"
	if sender != nil {
		id = sender.ID()
	}
	if errors.Is(err, ErrUnknownAction) {
		log.Printf("Unknown message action from %s: %v", id, err)
	} else {
		log.Printf("Dropping message from %s: %v", id, err)
	}
	d.metrics.MessageDropped(reason)
}
