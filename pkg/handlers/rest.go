package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func exerciseID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid exercise id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// GetHistory returns the sequenced operations of an exercise.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := exerciseID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.state.History(id))
}

// GetText returns the authoritative text of one element part.
func (h *Handlers) GetText(w http.ResponseWriter, r *http.Request) {
	id, ok := exerciseID(w, r)
	if !ok {
		return
	}
	elementID := r.URL.Query().Get("elementId")
	if elementID == "" {
		http.Error(w, "elementId is required", http.StatusBadRequest)
		return
	}
	partID := r.URL.Query().Get("partId")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exerciseId":   id,
		"elementId":    elementID,
		"partId":       partID,
		"text":         h.state.CurrentText(id, elementID, partID),
		"lastSequence": h.state.LastSequence(id),
	})
}

// ClearHistory resets an exercise. The next edit is assigned sequence 1.
func (h *Handlers) ClearHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := exerciseID(w, r)
	if !ok {
		return
	}
	h.state.ClearHistory(id)
	w.WriteHeader(http.StatusNoContent)
}

// GetOperationLog reads persisted operations with a sequence above since.
func (h *Handlers) GetOperationLog(w http.ResponseWriter, r *http.Request) {
	id, ok := exerciseID(w, r)
	if !ok {
		return
	}
	if h.oplog == nil {
		http.Error(w, "Operation log is disabled", http.StatusNotFound)
		return
	}
	since := 0
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}

	ops, err := h.oplog.ListOperations(r.Context(), id, since)
	if err != nil {
		log.Printf("Failed to read operation log for exercise %d: %v", id, err)
		http.Error(w, "Failed to read operation log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

// Health reports liveness and the number of open connections.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.registry.Count(),
	})
}
