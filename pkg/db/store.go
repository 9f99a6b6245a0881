// Package db persists sequenced operations to an append-only operation log.
package db

import (
	"context"
	"errors"

	"collab-drawer/pkg/ot"
)

// ErrInvalidOperation is returned for operations that were never sequenced.
var ErrInvalidOperation = errors.New("invalid operation")

// OperationStore is an append-only operation log.
type OperationStore interface {
	// PersistOperation appends a sequenced operation.
	PersistOperation(ctx context.Context, op ot.Operation) error
	// ListOperations returns the logged operations of an exercise whose
	// server sequence is above since, in insertion order.
	ListOperations(ctx context.Context, exerciseID, since int) ([]ot.Operation, error)
	Close() error
}

func validate(op ot.Operation) error {
	if op.ServerSequence <= 0 || op.ElementID == "" {
		return ErrInvalidOperation
	}
	return nil
}
