package db

const postgresSchema = `
CREATE TABLE IF NOT EXISTS operation_log (
	id BIGSERIAL PRIMARY KEY,
	user_id VARCHAR(255) NOT NULL,
	session_id VARCHAR(255) NOT NULL DEFAULT '',
	exercise_id INTEGER NOT NULL,
	element_id VARCHAR(255) NOT NULL,
	part_id VARCHAR(255) NOT NULL DEFAULT '',
	operation_type VARCHAR(32) NOT NULL,
	patch_text TEXT NOT NULL DEFAULT '',
	before_text TEXT NOT NULL DEFAULT '',
	after_text TEXT NOT NULL DEFAULT '',
	old_x INTEGER NOT NULL DEFAULT 0,
	old_y INTEGER NOT NULL DEFAULT 0,
	delta_x INTEGER NOT NULL DEFAULT 0,
	delta_y INTEGER NOT NULL DEFAULT 0,
	client_sequence INTEGER NOT NULL DEFAULT 0,
	server_sequence INTEGER NOT NULL,
	based_on_sequence INTEGER NOT NULL DEFAULT 0,
	timestamp_ms BIGINT NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operation_log_exercise ON operation_log(exercise_id, server_sequence);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS operation_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	exercise_id INTEGER NOT NULL,
	element_id TEXT NOT NULL,
	part_id TEXT NOT NULL DEFAULT '',
	operation_type TEXT NOT NULL,
	patch_text TEXT NOT NULL DEFAULT '',
	before_text TEXT NOT NULL DEFAULT '',
	after_text TEXT NOT NULL DEFAULT '',
	old_x INTEGER NOT NULL DEFAULT 0,
	old_y INTEGER NOT NULL DEFAULT 0,
	delta_x INTEGER NOT NULL DEFAULT 0,
	delta_y INTEGER NOT NULL DEFAULT 0,
	client_sequence INTEGER NOT NULL DEFAULT 0,
	server_sequence INTEGER NOT NULL,
	based_on_sequence INTEGER NOT NULL DEFAULT 0,
	timestamp_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operation_log_exercise ON operation_log(exercise_id, server_sequence);
`
