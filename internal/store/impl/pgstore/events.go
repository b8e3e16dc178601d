package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgconn"
	"github.com/phuslu/log"
)

// Execer is satisfied by *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

const Schema = `
CREATE TABLE IF NOT EXISTS location_history (
	id           bigserial PRIMARY KEY,
	subject_id   text NOT NULL,
	subject_name text NOT NULL,
	latitude     double precision NOT NULL,
	longitude    double precision NOT NULL,
	place_label  text NOT NULL,
	activity     text NOT NULL,
	accuracy     double precision NOT NULL,
	speed        double precision,
	heading      double precision,
	captured_at  timestamptz NOT NULL,
	server_time  timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS location_history_subject_idx ON location_history (subject_id, captured_at);
CREATE TABLE IF NOT EXISTS tracking_event (
	id            bigserial PRIMARY KEY,
	subject_id    text NOT NULL,
	event_type    text NOT NULL,
	message       text NOT NULL,
	received_time timestamptz NOT NULL
);`

func Migrate(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

type PgEventStore struct {
	db  Execer
	log log.Logger
}

func NewEventStore(db Execer) *PgEventStore {
	m := PgEventStore{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "event_store").Value()
	return &m
}

func (st *PgEventStore) SaveEvent(ctx context.Context, subjectId, eventType, message string, t time.Time) {
	_, err := st.db.Exec(ctx, `INSERT INTO tracking_event (subject_id,event_type,message,received_time) VALUES ($1,$2,$3,$4)`, subjectId, eventType, message, t)
	if err != nil {
		st.log.Error().Err(err).Str("subject_id", subjectId).Str("event", eventType).Msg("error saving event")
	}
}
