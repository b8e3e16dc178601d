package sublist

import (
	"sync"
)

// Sublist delivers values to its subscribers in registration order.
type Sublist[V any] struct {
	mu   sync.Mutex
	seq  uint64
	list []subscription[V]
}

type subscription[V any] struct {
	id uint64
	fn func(V)
}

// SublistMap keys sublists by subject. A sublist exists only while somebody
// listens to it.
type SublistMap[V any] struct {
	mu   sync.Mutex
	list map[string]*Sublist[V]
}

func NewSublist[V any]() *Sublist[V] {
	s := &Sublist[V]{}
	s.list = make([]subscription[V], 0, 4)
	return s
}

func NewSublistMap[V any]() *SublistMap[V] {
	m := &SublistMap[V]{}
	m.list = make(map[string]*Sublist[V])
	return m
}

// Subscribe registers fn on the sublist of key, creating it if needed. The
// returned cancel func drops the sublist again once it is empty.
func (m *SublistMap[V]) Subscribe(key string, fn func(V)) func() {
	m.mu.Lock()
	l, ok := m.list[key]
	if !ok {
		l = NewSublist[V]()
		m.list[key] = l
	}
	id := l.add(fn)
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			l.unsubscribe(id)
			if l.Len() == 0 && m.list[key] == l {
				delete(m.list, key)
			}
		})
	}
}

// Send delivers v to the listeners of key, if any.
func (m *SublistMap[V]) Send(key string, v V) {
	m.mu.Lock()
	l, ok := m.list[key]
	m.mu.Unlock()
	if ok {
		l.Send(v)
	}
}

func (m *SublistMap[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.list)
}

// Subscribe registers fn and returns a cancel func that removes exactly this
// registration. Calling cancel more than once is a no-op.
func (s *Sublist[V]) Subscribe(fn func(V)) func() {
	id := s.add(fn)
	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Sublist[V]) add(fn func(V)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.list = append(s.list, subscription[V]{id: s.seq, fn: fn})
	return s.seq
}

func (s *Sublist[V]) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.list {
		if sub.id == id {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return
		}
	}
}

func (s *Sublist[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Send calls every subscriber with v. The list is copied first so a
// subscriber may cancel itself or others while being called.
func (s *Sublist[V]) Send(v V) {
	s.mu.Lock()
	subs := make([]subscription[V], len(s.list))
	copy(subs, s.list)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(v)
	}
}
