package pgstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/telemetry"
)

// Copier is satisfied by *pgxpool.Pool, *pgxpool.Conn and *pgx.Conn.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var columns = []string{"subject_id", "subject_name", "latitude", "longitude", "place_label", "activity", "accuracy", "speed", "heading", "captured_at", "server_time"}

type Store struct {
	config  *StoreConfig
	wlock   sync.Mutex
	wbuf    buffer
	pending chan buffer
	db      Copier
	log     log.Logger
	table   string
	stop    chan struct{}
	done    sync.WaitGroup
	closed  bool
	dropped uint64
	now     func() time.Time
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
	// Pending is how many full buffers may wait for the database before new
	// ones are dropped.
	Pending int
}

type buffer struct {
	seq uint64
	t1  time.Time
	t2  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	loc  telemetry.TrackedLocation
	srvt time.Time
}

func NewStore(db Copier, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	if o.config.BufSize <= 0 {
		o.config.BufSize = 100
	}
	if o.config.TickerDur <= 0 {
		o.config.TickerDur = time.Second
	}
	if o.config.MaxAgeFlush <= 0 {
		o.config.MaxAgeFlush = 5 * time.Second
	}
	if o.config.Pending <= 0 {
		o.config.Pending = 4
	}
	o.table = table
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.pending = make(chan buffer, o.config.Pending)
	o.stop = make(chan struct{})
	o.now = time.Now
	return o
}

func (st *Store) Run() {
	st.done.Add(2)
	go st.timer_flusher()
	go st.handle()
}

func (st *Store) timer_flusher() {
	defer st.done.Done()
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			return
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		}
	}
}

func (st *Store) Put(loc telemetry.TrackedLocation) {
	rec := record{loc: loc, srvt: st.now().UTC()}
	st.wlock.Lock()
	defer st.wlock.Unlock()
	if st.closed {
		return
	}
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = st.now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
}

// flush hands the write buffer to the copier goroutine. wlock must be held.
func (st *Store) flush() {
	next := st.wbuf.seq + 1
	st.wbuf.t2 = st.now().UTC()
	select {
	case st.pending <- st.wbuf:
	default:
		st.dropped += uint64(len(st.wbuf.buf))
		st.log.Error().Uint64("seq", st.wbuf.seq).Int("length", len(st.wbuf.buf)).Msg("flusher busy, dropping buffer")
	}
	st.wbuf = new_buffer(next, st.config.BufSize)
}

func (st *Store) handle() {
	defer st.done.Done()
	st.log.Info().Msg("starting flusher task")
	for buf := range st.pending {
		st.copy(buf)
	}
}

func (st *Store) copy(buf buffer) {
	t1 := time.Now()
	_, err := st.db.CopyFrom(context.Background(),
		pgx.Identifier{st.table},
		columns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.loc.SubjectId, d.loc.SubjectName, d.loc.Latitude, d.loc.Longitude, d.loc.PlaceLabel,
				string(d.loc.Activity), d.loc.AccuracyMeters, d.loc.SpeedMetersPerSecond, d.loc.HeadingDegrees, d.loc.CapturedAt, d.srvt}, nil
		}))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
			st.log.Error().Err(err).Str("table", st.table).Msg("history table missing, run migrate")
			return
		}
		st.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
		return
	}
	st.log.Debug().Str("action", "flush").Uint64("seq", buf.seq).Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
}

// Close flushes what is buffered and waits for the copier to finish.
func (st *Store) Close() {
	st.wlock.Lock()
	if st.closed {
		st.wlock.Unlock()
		return
	}
	st.closed = true
	close(st.stop)
	if len(st.wbuf.buf) != 0 {
		st.flush()
	}
	close(st.pending)
	st.wlock.Unlock()
	st.done.Wait()
}

func (st *Store) Dropped() uint64 {
	st.wlock.Lock()
	defer st.wlock.Unlock()
	return st.dropped
}
