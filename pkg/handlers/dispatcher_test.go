package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-drawer/pkg/metrics"
	"collab-drawer/pkg/ot"
	"collab-drawer/pkg/room"
	"collab-drawer/pkg/sequencer"
)

type stubConn struct{ id string }

func (c stubConn) ID() string { return c.id }
func (c stubConn) Send([]byte) error { return nil }

type sent struct {
	payload, senderPayload []byte
	sender                 room.Conn
	variant                bool
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []sent
}

func (b *recordingBroadcaster) BroadcastExcept(payload []byte, sender room.Conn) room.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sent{payload: payload, sender: sender})
	return room.Delivery{Delivered: 1}
}

func (b *recordingBroadcaster) BroadcastWithSenderVariant(payload, senderPayload []byte, sender room.Conn) room.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sent{payload: payload, senderPayload: senderPayload, sender: sender, variant: true})
	return room.Delivery{Delivered: 2}
}

type recordingPersister struct {
	err      error
	ops      []ot.Operation
	deadline bool
}

func (p *recordingPersister) PersistOperation(ctx context.Context, op ot.Operation) error {
	_, p.deadline = ctx.Deadline()
	p.ops = append(p.ops, op)
	return p.err
}

type fixture struct {
	seq       *sequencer.Sequencer
	bc        *recordingBroadcaster
	persister *recordingPersister
	metrics   *metrics.Metrics
	d         *Dispatcher
	sender    stubConn
}

func newFixture() *fixture {
	f := &fixture{
		seq:       sequencer.New(ot.NewDMPPatcher(), nil),
		bc:        &recordingBroadcaster{},
		persister: &recordingPersister{},
		metrics:   metrics.New(),
		sender:    stubConn{id: "sender"},
	}
	f.d = NewDispatcher(f.seq, f.bc, f.persister, time.Second, f.metrics)
	f.d.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return f
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func decode(t *testing.T, payload []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &m))
	return m
}

func TestRelayActions(t *testing.T) {
	for _, action := range []string{ActionSync, ActionTextUpdate, ActionApplyPatch} {
		t.Run(action, func(t *testing.T) {
			f := newFixture()
			raw := []byte(`{"action":"` + action + `","data":{"x":1}}`)

			require.NoError(t, f.d.OnMessage(raw, f.sender))

			require.Len(t, f.bc.sent, 1)
			assert.Equal(t, raw, f.bc.sent[0].payload)
			assert.False(t, f.bc.sent[0].variant)
			assert.Equal(t, f.sender, f.bc.sent[0].sender)
			assert.Empty(t, f.persister.ops)
		})
	}
}

func TestEditOperationText(t *testing.T) {
	f := newFixture()
	patch := ot.NewDMPPatcher().Diff("", "Order")
	raw, err := json.Marshal(map[string]interface{}{
		"action":     "editOperation",
		"exerciseId": 5,
		"elementId":  "class-1",
		"partId":     "name",
		"userId":     "alice",
		"patchText":  patch,
	})
	require.NoError(t, err)

	require.NoError(t, f.d.OnMessage(raw, f.sender))

	require.Len(t, f.bc.sent, 1)
	out := f.bc.sent[0]
	assert.True(t, out.variant)

	others := decode(t, out.payload)
	assert.Equal(t, "editOperationResponse", others["action"])
	assert.Equal(t, float64(1), others["serverSequence"])
	assert.Equal(t, "Order", others["afterText"])
	assert.Equal(t, "alice", others["userId"])
	assert.Equal(t, patch, others["patchText"])
	assert.NotContains(t, others, "isOwnOperation")

	own := decode(t, out.senderPayload)
	assert.Equal(t, true, own["isOwnOperation"])

	require.Len(t, f.persister.ops, 1)
	assert.True(t, f.persister.deadline)
	assert.Equal(t, ot.KindText, f.persister.ops[0].Type)
	assert.Equal(t, int64(1700000000000), f.persister.ops[0].Timestamp)
	assert.Equal(t, "Order", f.seq.CurrentText(5, "class-1", "name"))
}

func TestEditOperationMove(t *testing.T) {
	f := newFixture()
	first := []byte(`{"action":"editOperation","operationType":"move_delta","exerciseId":1,"elementId":"shape-1","userId":"alice","oldX":0,"oldY":0,"deltaX":10,"deltaY":5,"timestamp":42}`)
	second := []byte(`{"action":"editOperation","operationType":"move_delta","exerciseId":1,"elementId":"shape-1","userId":"bob","oldX":0,"oldY":0,"deltaX":-3,"deltaY":2,"basedOnServerSequence":0}`)

	require.NoError(t, f.d.OnMessage(first, f.sender))
	require.NoError(t, f.d.OnMessage(second, f.sender))

	require.Len(t, f.bc.sent, 2)
	resp := decode(t, f.bc.sent[1].payload)
	assert.Equal(t, "moveOperationResponse", resp["action"])
	assert.Equal(t, float64(2), resp["serverSequence"])
	assert.Equal(t, float64(10), resp["oldX"])
	assert.Equal(t, float64(5), resp["oldY"])
	assert.Equal(t, float64(-3), resp["deltaX"])
	assert.Equal(t, float64(2), resp["deltaY"])
	assert.Equal(t, "bob", resp["userId"])
	assert.NotContains(t, resp, "partId")

	require.Len(t, f.persister.ops, 2)
	assert.Equal(t, int64(42), f.persister.ops[0].Timestamp)
	assert.Equal(t, ot.KindMove, f.persister.ops[1].Type)
}

func TestDocumentIDFallback(t *testing.T) {
	f := newFixture()
	raw := []byte(`{"action":"editOperation","documentId":9,"elementId":"e","partId":"p","userId":"u","patchText":""}`)
	require.NoError(t, f.d.OnMessage(raw, f.sender))
	assert.Equal(t, 9, f.persister.ops[0].ExerciseID)

	raw = []byte(`{"action":"editOperation","documentId":9,"exerciseId":3,"elementId":"e","partId":"p","userId":"u"}`)
	require.NoError(t, f.d.OnMessage(raw, f.sender))
	assert.Equal(t, 3, f.persister.ops[1].ExerciseID)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"action":`,
		"missing action":    `{"elementId":"e"}`,
		"empty action":      `{"action":""}`,
		"missing elementId": `{"action":"editOperation","userId":"u","partId":"p"}`,
		"missing userId":    `{"action":"editOperation","elementId":"e","partId":"p"}`,
		"text without partId":   `{"action":"editOperation","elementId":"e","userId":"u"}`,
		"wrong type":        `{"action":"editOperation","elementId":"e","userId":"u","partId":"p","exerciseId":"one"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			err := f.d.OnMessage([]byte(raw), f.sender)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.Empty(t, f.bc.sent)
			assert.Empty(t, f.persister.ops)
			assert.Contains(t, scrape(t, f.metrics), `collab_messages_dropped_total{reason="malformed"} 1`)
		})
	}
}

func TestMoveDoesNotRequirePartID(t *testing.T) {
	f := newFixture()
	raw := []byte(`{"action":"editOperation","operationType":"move_delta","elementId":"e","userId":"u"}`)
	assert.NoError(t, f.d.OnMessage(raw, f.sender))
}

func TestUnknownActionHasNoEffect(t *testing.T) {
	f := newFixture()

	err := f.d.OnMessage([]byte(`{"action":"presence","elementId":"e"}`), f.sender)

	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Empty(t, f.bc.sent)
	assert.Empty(t, f.persister.ops)
	assert.Equal(t, 0, f.seq.LastSequence(0))
	assert.Contains(t, scrape(t, f.metrics), `collab_messages_dropped_total{reason="unknown_action"} 1`)
}

func TestPersistFailureStillBroadcasts(t *testing.T) {
	f := newFixture()
	f.persister.err = errors.New("db down")
	raw := []byte(`{"action":"editOperation","elementId":"e","partId":"p","userId":"u"}`)

	require.NoError(t, f.d.OnMessage(raw, f.sender))

	assert.Len(t, f.bc.sent, 1)
	assert.Equal(t, 1, f.seq.LastSequence(0))
	assert.Contains(t, scrape(t, f.metrics), "collab_persist_failures_total 1")
}

func TestNilPersister(t *testing.T) {
	bc := &recordingBroadcaster{}
	d := NewDispatcher(sequencer.New(ot.NewDMPPatcher(), nil), bc, nil, 0, nil)
	raw := []byte(`{"action":"editOperation","elementId":"e","partId":"p","userId":"u"}`)

	require.NoError(t, d.OnMessage(raw, stubConn{id: "s"}))
	assert.Len(t, bc.sent, 1)
}

type closedBroadcaster struct{}

func (closedBroadcaster) BroadcastExcept([]byte, room.Conn) room.Delivery {
	return room.Delivery{Err: room.ErrRegistryClosed}
}

func (closedBroadcaster) BroadcastWithSenderVariant([]byte, []byte, room.Conn) room.Delivery {
	return room.Delivery{Err: room.ErrRegistryClosed}
}

func TestBroadcastErrorIsReturned(t *testing.T) {
	d := NewDispatcher(sequencer.New(ot.NewDMPPatcher(), nil), closedBroadcaster{}, nil, 0, nil)

	err := d.OnMessage([]byte(`{"action":"sync"}`), stubConn{id: "s"})
	assert.ErrorIs(t, err, room.ErrRegistryClosed)
}

func TestDecodeEditKinds(t *testing.T) {
	now := time.UnixMilli(5)

	e, err := DecodeEdit([]byte(`{"elementId":"e","userId":"u","partId":"p","operationType":"text_update"}`), now)
	require.NoError(t, err)
	assert.IsType(t, TextEdit{}, e)
	assert.Equal(t, int64(5), e.Operation().Timestamp)

	e, err = DecodeEdit([]byte(`{"elementId":"e","userId":"u","operationType":"move_delta","deltaX":4}`), now)
	require.NoError(t, err)
	require.IsType(t, MoveEdit{}, e)
	assert.Equal(t, 4, e.Operation().DeltaX)
	assert.Equal(t, ot.KindMove, e.Operation().Type)
}

// holdFirstPersister blocks the first write until release is closed.
type holdFirstPersister struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (p *holdFirstPersister) PersistOperation(ctx context.Context, op ot.Operation) error {
	held := false
	p.once.Do(func() { held = true })
	if held {
		close(p.started)
		<-p.release
	}
	return nil
}

func TestBroadcastsFollowSequenceOrder(t *testing.T) {
	seq := sequencer.New(ot.NewDMPPatcher(), nil)
	bc := &recordingBroadcaster{}
	p := &holdFirstPersister{started: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(seq, bc, p, time.Second, nil)

	text := []byte(`{"action":"editOperation","exerciseId":3,"elementId":"class-1","partId":"name","userId":"alice"}`)
	move := []byte(`{"action":"editOperation","operationType":"move_delta","exerciseId":3,"elementId":"shape-1","userId":"bob","deltaX":1}`)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, d.OnMessage(text, stubConn{id: "alice"}))
	}()
	<-p.started
	go func() {
		defer wg.Done()
		assert.NoError(t, d.OnMessage(move, stubConn{id: "bob"}))
	}()
	time.Sleep(50 * time.Millisecond)
	close(p.release)
	wg.Wait()

	require.Len(t, bc.sent, 2)
	assert.Equal(t, float64(1), decode(t, bc.sent[0].payload)["serverSequence"])
	assert.Equal(t, float64(2), decode(t, bc.sent[1].payload)["serverSequence"])
}

func TestOtherExercisesAreNotHeld(t *testing.T) {
	seq := sequencer.New(ot.NewDMPPatcher(), nil)
	bc := &recordingBroadcaster{}
	p := &holdFirstPersister{started: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(seq, bc, p, time.Second, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.OnMessage([]byte(`{"action":"editOperation","exerciseId":1,"elementId":"e","partId":"p","userId":"u"}`), stubConn{id: "a"})
	}()
	<-p.started

	require.NoError(t, d.OnMessage([]byte(`{"action":"editOperation","exerciseId":2,"elementId":"e","partId":"p","userId":"u"}`), stubConn{id: "b"}))
	assert.Len(t, bc.sent, 1)

	close(p.release)
	<-done
}
