package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults and applies the schema.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		return &DB{Client: db}, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return &DB{Client: db}, err
	}
	return &DB{Client: db}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	email            TEXT NOT NULL UNIQUE,
	name             TEXT NOT NULL,
	password_hash    TEXT NOT NULL,
	role             TEXT NOT NULL,
	enrolled_classes JSONB NOT NULL DEFAULT '[]',
	overview         JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS classes (
	id             TEXT PRIMARY KEY,
	teacher_id     TEXT NOT NULL,
	name           TEXT NOT NULL,
	thresholds     JSONB,
	custom_columns JSONB NOT NULL DEFAULT '[]',
	students       JSONB NOT NULL DEFAULT '[]',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_classes_teacher ON classes(teacher_id);

CREATE TABLE IF NOT EXISTS enrollments (
	student_id            TEXT NOT NULL,
	class_id              TEXT NOT NULL,
	student_record_id     TEXT NOT NULL,
	status                TEXT NOT NULL,
	roll_no               TEXT NOT NULL DEFAULT '',
	name                  TEXT NOT NULL DEFAULT '',
	email                 TEXT NOT NULL DEFAULT '',
	enrolled_at           TIMESTAMPTZ NOT NULL,
	re_enrolled_at        TIMESTAMPTZ,
	unenrolled_at         TIMESTAMPTZ,
	removed_by_teacher_at TIMESTAMPTZ,
	PRIMARY KEY (student_id, class_id)
);
CREATE INDEX IF NOT EXISTS idx_enrollments_class ON enrollments(class_id, status);

CREATE TABLE IF NOT EXISTS qr_sessions (
	id                TEXT PRIMARY KEY,
	class_id          TEXT NOT NULL,
	teacher_id        TEXT NOT NULL,
	current_code      TEXT NOT NULL,
	code_generated_at TIMESTAMPTZ NOT NULL,
	rotation_interval INTEGER NOT NULL,
	attendance_date   TEXT NOT NULL,
	scanned_students  JSONB NOT NULL DEFAULT '[]',
	status            TEXT NOT NULL,
	superseded        BOOLEAN NOT NULL DEFAULT FALSE,
	started_at        TIMESTAMPTZ NOT NULL,
	last_scan_at      TIMESTAMPTZ,
	stopped_at        TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_qr_sessions_active ON qr_sessions(class_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS contact_messages (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL,
	subject    TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS activity_log (
	id          TEXT PRIMARY KEY,
	class_id    TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	type        TEXT NOT NULL,
	detail      JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_class ON activity_log(class_id, occurred_at DESC);
`
