package stat

import (
	"sync"
	"time"
)

type counter struct {
	base time.Time
	cnt  uint64
}

type time_event struct {
	list [10]time.Time
	idx  int
	n    uint64
	mu   sync.Mutex
}

// Stat counts samples per interval in a ring and remembers the last few
// connection lifecycle events.
type Stat struct {
	login      time_event
	connect    time_event
	disconnect time_event
	mu         sync.Mutex
	buf        [100]counter
	phead      int
	dur        time.Duration
	total      uint64

	created time.Time
}

type Bucket struct {
	Start time.Time `json:"start"`
	Count uint64    `json:"count"`
}

type Snapshot struct {
	Created     time.Time   `json:"created"`
	Total       uint64      `json:"total"`
	Buckets     []Bucket    `json:"buckets"`
	Logins      uint64      `json:"logins"`
	Connects    uint64      `json:"connects"`
	Disconnects uint64      `json:"disconnects"`
	LastLogins  []time.Time `json:"last_logins"`
}

func (s *Stat) LoginEv(t time.Time) {
	record(&s.login, t)
}
func (s *Stat) ConnectEv(t time.Time) {
	record(&s.connect, t)
}
func (s *Stat) DisconnectEv(t time.Time) {
	record(&s.disconnect, t)
}

func record(l *time_event, t time.Time) {
	l.mu.Lock()
	l.list[l.idx] = t
	l.idx = l.idx + 1
	if l.idx == len(l.list) {
		l.idx = 0
	}
	l.n++
	l.mu.Unlock()
}

// recent returns the recorded times, newest first.
func (l *time_event) recent() ([]time.Time, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]time.Time, 0, len(l.list))
	for i := 1; i <= len(l.list); i++ {
		j := (l.idx - i + len(l.list)) % len(l.list)
		if l.list[j].IsZero() {
			break
		}
		res = append(res, l.list[j])
	}
	return res, l.n
}

func NewStat(dur time.Duration) *Stat {
	o := &Stat{}
	o.dur = dur
	if o.dur <= 0 {
		o.dur = time.Minute
	}
	o.created = time.Now()
	return o
}

// CounterIncr adds amt to the bucket of t. Samples older than the head
// bucket are counted in the total only.
func (s *Stat) CounterIncr(amt uint64, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += amt
	f := t.Truncate(s.dur)
	last := &s.buf[s.phead]
	if f.After(last.base) {
		if last.cnt != 0 {
			s.phead = s.phead + 1
			if s.phead == len(s.buf) {
				s.phead = 0
			}
		}
		s.buf[s.phead].base = f
		s.buf[s.phead].cnt = amt
	} else if f.Equal(last.base) {
		last.cnt = last.cnt + amt
	}
}

// Snapshot returns non-empty buckets, newest first.
func (s *Stat) Snapshot() Snapshot {
	res := Snapshot{Created: s.created}
	s.mu.Lock()
	res.Total = s.total
	for i := 0; i < len(s.buf); i++ {
		j := (s.phead - i + len(s.buf)) % len(s.buf)
		if s.buf[j].cnt == 0 {
			break
		}
		res.Buckets = append(res.Buckets, Bucket{Start: s.buf[j].base, Count: s.buf[j].cnt})
	}
	s.mu.Unlock()
	res.LastLogins, res.Logins = s.login.recent()
	_, res.Connects = s.connect.recent()
	_, res.Disconnects = s.disconnect.recent()
	return res
}
