package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"collab-drawer/pkg/ot"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name   string
	schema string
	bind   int // sqlx bindvar type
	// createdAt converts the insert time to the column's storage type
	createdAt func(time.Time) any
}

var (
	Postgres = Dialect{
		Name:      "postgres",
		schema:    postgresSchema,
		bind:      sqlx.DOLLAR,
		createdAt: func(t time.Time) any { return t },
	}
	SQLite = Dialect{
		Name:      "sqlite",
		schema:    sqliteSchema,
		bind:      sqlx.QUESTION,
		createdAt: func(t time.Time) any { return t.UnixMilli() },
	}
)

func (d Dialect) rebind(query string) string {
	return sqlx.Rebind(d.bind, query)
}

const operationColumns = `user_id, session_id, exercise_id, element_id, part_id, operation_type,
		patch_text, before_text, after_text, old_x, old_y, delta_x, delta_y,
		client_sequence, server_sequence, based_on_sequence, timestamp_ms`

// operationRow is one operation_log row as read back by ListOperations.
type operationRow struct {
	UserID          string `db:"user_id"`
	SessionID       string `db:"session_id"`
	ExerciseID      int    `db:"exercise_id"`
	ElementID       string `db:"element_id"`
	PartID          string `db:"part_id"`
	OperationType   string `db:"operation_type"`
	PatchText       string `db:"patch_text"`
	BeforeText      string `db:"before_text"`
	AfterText       string `db:"after_text"`
	OldX            int    `db:"old_x"`
	OldY            int    `db:"old_y"`
	DeltaX          int    `db:"delta_x"`
	DeltaY          int    `db:"delta_y"`
	ClientSequence  int    `db:"client_sequence"`
	ServerSequence  int    `db:"server_sequence"`
	BasedOnSequence int    `db:"based_on_sequence"`
	TimestampMs     int64  `db:"timestamp_ms"`
}

func (r operationRow) operation() ot.Operation {
	return ot.Operation{
		ClientSequence:        r.ClientSequence,
		ServerSequence:        r.ServerSequence,
		BasedOnServerSequence: r.BasedOnSequence,
		UserID:                r.UserID,
		SessionID:             r.SessionID,
		ExerciseID:            r.ExerciseID,
		ElementID:             r.ElementID,
		PartID:                r.PartID,
		Type:                  ot.Kind(r.OperationType),
		Timestamp:             r.TimestampMs,
		PatchText:             r.PatchText,
		BeforeText:            r.BeforeText,
		AfterText:             r.AfterText,
		OldX:                  r.OldX,
		OldY:                  r.OldY,
		DeltaX:                r.DeltaX,
		DeltaY:                r.DeltaY,
	}
}

// SQLStore is an OperationStore on database/sql through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database. Call Init to create the schema.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, dialect.Name), dialect: dialect, now: time.Now}
}

// Init creates the operation_log table if it doesn't exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("failed to create operation_log: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) PersistOperation(ctx context.Context, op ot.Operation) error {
	if err := validate(op); err != nil {
		return fmt.Errorf("persist seq %d: %w", op.ServerSequence, err)
	}
	query := s.dialect.rebind(`
		INSERT INTO operation_log (` + operationColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		op.UserID, op.SessionID, op.ExerciseID, op.ElementID, op.PartID, string(op.Type),
		op.PatchText, op.BeforeText, op.AfterText, op.OldX, op.OldY, op.DeltaX, op.DeltaY,
		op.ClientSequence, op.ServerSequence, op.BasedOnServerSequence, op.Timestamp,
		s.dialect.createdAt(s.now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

func (s *SQLStore) ListOperations(ctx context.Context, exerciseID, since int) ([]ot.Operation, error) {
	query := s.dialect.rebind(`
		SELECT ` + operationColumns + `
		FROM operation_log
		WHERE exercise_id = ? AND server_sequence > ?
		ORDER BY id ASC
	`)
	var rows []operationRow
	if err := s.db.SelectContext(ctx, &rows, query, exerciseID, since); err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	ops := make([]ot.Operation, 0, len(rows))
	for _, r := range rows {
		ops = append(ops, r.operation())
	}
	return ops, nil
}

var _ OperationStore = (*SQLStore)(nil)
