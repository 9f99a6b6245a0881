package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collab-drawer/pkg/ot"
)

// Inbound actions.
const (
	ActionSync          = "sync"
	ActionTextUpdate    = "textUpdate"
	ActionApplyPatch    = "applyPatch"
	ActionEditOperation = "editOperation"
)

// Outbound actions.
const (
	ActionEditResponse = "editOperationResponse"
	ActionMoveResponse = "moveOperationResponse"
)

var (
	// ErrMalformedMessage is returned for messages that are not valid JSON,
	// carry no action, or fail edit validation.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownAction is returned for well-formed messages with an action
	// the server does not handle.
	ErrUnknownAction = errors.New("unknown action")
)

type envelope struct {
	Action string `json:"action"`
}

func decodeAction(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Action == "" {
		return "", fmt.Errorf("%w: missing action", ErrMalformedMessage)
	}
	return env.Action, nil
}

// editMessage is the wire form of an editOperation.
type editMessage struct {
	OperationType         string `json:"operationType"`
	ElementID             string `json:"elementId"`
	UserID                string `json:"userId"`
	PartID                string `json:"partId"`
	SessionID             string `json:"sessionId"`
	ClientSequence        int    `json:"clientSequence"`
	BasedOnServerSequence int    `json:"basedOnServerSequence"`
	PatchText             string `json:"patchText"`
	BeforeText            string `json:"beforeText"`
	AfterText             string `json:"afterText"`
	ExerciseID            *int   `json:"exerciseId"`
	DocumentID            *int   `json:"documentId"`
	Timestamp             *int64 `json:"timestamp"`
	OldX                  int    `json:"oldX"`
	OldY                  int    `json:"oldY"`
	DeltaX                int    `json:"deltaX"`
	DeltaY                int    `json:"deltaY"`
}

// Edit is a decoded editOperation: either a TextEdit or a MoveEdit.
type Edit interface {
	Operation() ot.Operation
}

// TextEdit is a patch against one element part.
type TextEdit struct{ op ot.Operation }

// MoveEdit moves one shape by a delta.
type MoveEdit struct{ op ot.Operation }

func (e TextEdit) Operation() ot.Operation { return e.op }
func (e MoveEdit) Operation() ot.Operation { return e.op }

// DecodeEdit parses and validates an editOperation. A missing timestamp is
// set to now.
func DecodeEdit(raw []byte, now time.Time) (Edit, error) {
	var m editMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.ElementID == "" {
		return nil, fmt.Errorf("%w: missing elementId", ErrMalformedMessage)
	}
	if m.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", ErrMalformedMessage)
	}

	op := ot.Operation{
		ClientSequence:        m.ClientSequence,
		BasedOnServerSequence: m.BasedOnServerSequence,
		UserID:                m.UserID,
		SessionID:             m.SessionID,
		ElementID:             m.ElementID,
		Timestamp:             now.UnixMilli(),
	}
	switch {
	case m.ExerciseID != nil:
		op.ExerciseID = *m.ExerciseID
	case m.DocumentID != nil:
		op.ExerciseID = *m.DocumentID
	}
	if m.Timestamp != nil {
		op.Timestamp = *m.Timestamp
	}

	if ot.Kind(m.OperationType) == ot.KindMove {
		op.Type = ot.KindMove
		op.OldX, op.OldY = m.OldX, m.OldY
		op.DeltaX, op.DeltaY = m.DeltaX, m.DeltaY
		return MoveEdit{op: op}, nil
	}

	if m.PartID == "" {
		return nil, fmt.Errorf("%w: missing partId", ErrMalformedMessage)
	}
	op.Type = ot.KindText
	op.PartID = m.PartID
	op.PatchText = m.PatchText
	op.BeforeText = m.BeforeText
	op.AfterText = m.AfterText
	return TextEdit{op: op}, nil
}

type editOperationResponse struct {
	Action         string `json:"action"`
	ServerSequence int    `json:"serverSequence"`
	ElementID      string `json:"elementId"`
	PartID         string `json:"partId"`
	AfterText      string `json:"afterText"`
	UserID         string `json:"userId"`
	PatchText      string `json:"patchText"`
	IsOwnOperation bool   `json:"isOwnOperation,omitempty"`
}

type moveOperationResponse struct {
	Action         string `json:"action"`
	ServerSequence int    `json:"serverSequence"`
	ElementID      string `json:"elementId"`
	OldX           int    `json:"oldX"`
	OldY           int    `json:"oldY"`
	DeltaX         int    `json:"deltaX"`
	DeltaY         int    `json:"deltaY"`
	UserID         string `json:"userId"`
	IsOwnOperation bool   `json:"isOwnOperation,omitempty"`
}

// encodeResponse returns the payload for other clients and the sender's
// variant with isOwnOperation set.
func encodeResponse(op ot.Operation) (others, own []byte, err error) {
	if op.IsMove() {
		resp := moveOperationResponse{
			Action:         ActionMoveResponse,
			ServerSequence: op.ServerSequence,
			ElementID:      op.ElementID,
			OldX:           op.OldX,
			OldY:           op.OldY,
			DeltaX:         op.DeltaX,
			DeltaY:         op.DeltaY,
			UserID:         op.UserID,
		}
		if others, err = json.Marshal(resp); err != nil {
			return nil, nil, err
		}
		resp.IsOwnOperation = true
		own, err = json.Marshal(resp)
		return others, own, err
	}

	resp := editOperationResponse{
		Action:         ActionEditResponse,
		ServerSequence: op.ServerSequence,
		ElementID:      op.ElementID,
		PartID:         op.PartID,
		AfterText:      op.AfterText,
		UserID:         op.UserID,
		PatchText:      op.PatchText,
	}
	if others, err = json.Marshal(resp); err != nil {
		return nil, nil, err
	}
	resp.IsOwnOperation = true
	own, err = json.Marshal(resp)
	return others, own, err
}
