package pgstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/fieldtrack/internal/position"
	"nuha.dev/fieldtrack/internal/telemetry"
)

type fakeCopier struct {
	mu      sync.Mutex
	table   pgx.Identifier
	columns []string
	batches [][][]interface{}
	err     error
	block   chan struct{}
}

func (f *fakeCopier) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	if f.block != nil {
		<-f.block
	}
	rows := [][]interface{}{}
	for src.Next() {
		v, err := src.Values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, v)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table = table
	f.columns = columns
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, rows)
	return int64(len(rows)), nil
}

func (f *fakeCopier) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeCopier) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func loc(id string) telemetry.TrackedLocation {
	return telemetry.TrackedLocation{
		SubjectId:            id,
		SubjectName:          "Name " + id,
		Latitude:             1.5,
		Longitude:            2.5,
		PlaceLabel:           "Main St, Downtown",
		Activity:             telemetry.ActivityWalking,
		CapturedAt:           time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
		AccuracyMeters:       8,
		SpeedMetersPerSecond: position.Float(2),
	}
}

func TestFlushOnFullBuffer(t *testing.T) {
	db := &fakeCopier{}
	st := NewStore(db, "location_history", &StoreConfig{BufSize: 3, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	st.Run()
	defer st.Close()

	for i := 0; i < 7; i++ {
		st.Put(loc("E1"))
	}
	require.Eventually(t, func() bool { return db.batchCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, db.rowCount())

	db.mu.Lock()
	assert.Equal(t, pgx.Identifier{"location_history"}, db.table)
	assert.Equal(t, columns, db.columns)
	row := db.batches[0][0]
	db.mu.Unlock()
	require.Len(t, row, len(columns))
	assert.Equal(t, "E1", row[0])
	assert.Equal(t, "Walking", row[5])
	assert.Equal(t, position.Float(2), row[7])
	assert.Nil(t, row[8].(*float64))
}

func TestFlushOnMaxAge(t *testing.T) {
	db := &fakeCopier{}
	st := NewStore(db, "h", &StoreConfig{BufSize: 100, TickerDur: 5 * time.Millisecond, MaxAgeFlush: 10 * time.Millisecond})
	st.Run()
	defer st.Close()

	st.Put(loc("E1"))
	st.Put(loc("E2"))
	require.Eventually(t, func() bool { return db.rowCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, db.batchCount())
}

func TestCloseFlushesRemainder(t *testing.T) {
	db := &fakeCopier{}
	st := NewStore(db, "h", &StoreConfig{BufSize: 100, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	st.Run()
	st.Put(loc("E1"))
	st.Close()
	assert.Equal(t, 1, db.rowCount())

	st.Put(loc("E2"))
	st.Close()
	assert.Equal(t, 1, db.rowCount())
}

func TestDropWhenFlusherBusy(t *testing.T) {
	db := &fakeCopier{block: make(chan struct{})}
	st := NewStore(db, "h", &StoreConfig{BufSize: 1, Pending: 1, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	st.Run()
	// first buffer is taken by the blocked copier, second waits, the rest drop
	for i := 0; i < 5; i++ {
		st.Put(loc("E1"))
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, st.Dropped(), uint64(2))
	close(db.block)
	st.Close()
	assert.Equal(t, uint64(5), uint64(db.rowCount())+st.Dropped())
}

func TestCopyErrorsAreLogged(t *testing.T) {
	db := &fakeCopier{err: &pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: "relation does not exist"}}
	st := NewStore(db, "h", &StoreConfig{BufSize: 1, TickerDur: time.Hour, MaxAgeFlush: time.Hour})
	st.Run()
	st.Put(loc("E1"))
	st.Close()
	assert.Equal(t, 0, db.rowCount())
}

type fakeExecer struct {
	sql  []string
	args [][]interface{}
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	return pgconn.CommandTag("INSERT 0 1"), nil
}

func TestEventStoreAndMigrate(t *testing.T) {
	db := &fakeExecer{}
	require.NoError(t, Migrate(context.Background(), db))
	assert.Contains(t, db.sql[0], "CREATE TABLE IF NOT EXISTS location_history")

	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	NewEventStore(db).SaveEvent(context.Background(), "E1", "tracking_started", "Alice", at)
	require.Len(t, db.sql, 2)
	assert.True(t, strings.HasPrefix(db.sql[1], "INSERT INTO tracking_event"))
	assert.Equal(t, []interface{}{"E1", "tracking_started", "Alice", at}, db.args[1])
}
