package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-drawer/pkg/ot"
	"collab-drawer/pkg/room"
	"collab-drawer/pkg/sequencer"
)

type stubLog struct {
	ops   []ot.Operation
	err   error
	since int
}

func (l *stubLog) ListOperations(_ context.Context, exerciseID, since int) ([]ot.Operation, error) {
	l.since = since
	return l.ops, l.err
}

func newRouter(t *testing.T, oplog OperationLister) (*mux.Router, *sequencer.Sequencer) {
	t.Helper()
	seq := sequencer.New(ot.NewDMPPatcher(), nil)
	reg := room.NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	t.Cleanup(cancel)

	d := NewDispatcher(seq, reg, nil, 0, nil)
	h := NewHandlers(d, reg, seq, oplog, Options{})
	r := mux.NewRouter()
	r.HandleFunc("/api/exercises/{id}/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/api/exercises/{id}/history", h.ClearHistory).Methods("DELETE")
	r.HandleFunc("/api/exercises/{id}/text", h.GetText).Methods("GET")
	r.HandleFunc("/api/exercises/{id}/log", h.GetOperationLog).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	return r, seq
}

func do(r http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func textOp(exercise int, text string) ot.Operation {
	return ot.Operation{
		ExerciseID: exercise,
		UserID:     "u",
		ElementID:  "class-1",
		PartID:     "name",
		PatchText:  ot.NewDMPPatcher().Diff("", text),
	}
}

func TestGetHistory(t *testing.T) {
	r, seq := newRouter(t, nil)
	seq.ProcessText(textOp(4, "Order"))

	rec := do(r, "GET", "/api/exercises/4/history")
	require.Equal(t, http.StatusOK, rec.Code)

	var ops []ot.Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].ServerSequence)
	assert.Equal(t, "Order", ops[0].AfterText)

	rec = do(r, "GET", "/api/exercises/5/history")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetHistoryInvalidID(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := do(r, "GET", "/api/exercises/abc/history")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetText(t *testing.T) {
	r, seq := newRouter(t, nil)
	seq.ProcessText(textOp(4, "Order"))

	rec := do(r, "GET", "/api/exercises/4/text?elementId=class-1&partId=name")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"exerciseId":4,"elementId":"class-1","partId":"name","text":"Order","lastSequence":1}`,
		rec.Body.String())

	rec = do(r, "GET", "/api/exercises/4/text")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearHistoryEndpoint(t *testing.T) {
	r, seq := newRouter(t, nil)
	seq.ProcessText(textOp(4, "Order"))

	rec := do(r, "DELETE", "/api/exercises/4/history")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, seq.History(4))
	assert.Equal(t, 1, seq.ProcessText(textOp(4, "New")).ServerSequence)
}

func TestGetOperationLog(t *testing.T) {
	oplog := &stubLog{ops: []ot.Operation{{ServerSequence: 3, ElementID: "e"}}}
	r, _ := newRouter(t, oplog)

	rec := do(r, "GET", "/api/exercises/4/log?since=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, oplog.since)

	var ops []ot.Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	assert.Equal(t, oplog.ops, ops)

	rec = do(r, "GET", "/api/exercises/4/log?since=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	oplog.err = errors.New("boom")
	rec = do(r, "GET", "/api/exercises/4/log")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetOperationLogDisabled(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := do(r, "GET", "/api/exercises/4/log")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := do(r, "GET", "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connections":0}`, rec.Body.String())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://allowed.example"})

	req := httptest.NewRequest("GET", "/collaboration", nil)
	assert.True(t, check(req), "no Origin header")

	req.Header.Set("Origin", "http://allowed.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.True(t, originChecker(nil)(req))
}
