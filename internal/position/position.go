package position

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPermissionDenied    = errors.New("position permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position timeout")
	ErrUnsupported         = errors.New("position observation not supported")
)

// Sample is one raw reading from a position source. Speed and Heading are
// nil when the source cannot supply them.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	FixTime   time.Time `json:"gps_time"`
}

type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaximumAge of a cached sample that may be reused; zero forces a fresh fix.
	MaximumAge time.Duration
}

type Handle interface {
	Clear()
}

// Watcher opens a continuous observation for one subject. Samples of a
// single watch are delivered sequentially.
type Watcher interface {
	Watch(subjectId string, opts Options, onSample func(Sample), onError func(error)) (Handle, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, subjectId string, opts Options) (Sample, error)
}

type HandleFunc func()

func (f HandleFunc) Clear() {
	f()
}

// OnceHandle makes clear idempotent.
func OnceHandle(clear func()) Handle {
	var once sync.Once
	return HandleFunc(func() { once.Do(clear) })
}

func Float(v float64) *float64 {
	return &v
}
