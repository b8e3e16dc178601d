package telemetry

import (
	"context"
	"errors"
	"sync"

	"nuha.dev/fieldtrack/internal/position"
)

type fakeWatch struct {
	subjectId string
	opts      position.Options
	onSample  func(position.Sample)
	onError   func(error)
	cleared   bool
}

type fakeWatcher struct {
	mu      sync.Mutex
	watches []*fakeWatch
	err     error
}

func (w *fakeWatcher) Watch(subjectId string, opts position.Options, onSample func(position.Sample), onError func(error)) (position.Handle, error) {
	if w.err != nil {
		return nil, w.err
	}
	fw := &fakeWatch{subjectId: subjectId, opts: opts, onSample: onSample, onError: onError}
	w.mu.Lock()
	w.watches = append(w.watches, fw)
	w.mu.Unlock()
	return position.OnceHandle(func() {
		w.mu.Lock()
		fw.cleared = true
		w.mu.Unlock()
	}), nil
}

// latest returns the newest watch opened for subjectId.
func (w *fakeWatcher) latest(subjectId string) *fakeWatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.watches) - 1; i >= 0; i-- {
		if w.watches[i].subjectId == subjectId {
			return w.watches[i]
		}
	}
	return nil
}

func (w *fakeWatcher) deliver(subjectId string, s position.Sample) {
	w.latest(subjectId).onSample(s)
}

func (w *fakeWatcher) isCleared(fw *fakeWatch) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fw.cleared
}

type fakeFetcher struct {
	sample position.Sample
	err    error
	opts   position.Options
}

func (f *fakeFetcher) Fetch(ctx context.Context, subjectId string, opts position.Options) (position.Sample, error) {
	f.opts = opts
	if f.err != nil {
		return position.Sample{}, f.err
	}
	return f.sample, nil
}

type fakePlaces struct {
	label string
	err   error
	calls int
}

func (p *fakePlaces) LookupPlace(ctx context.Context, lat, lon float64) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.label, nil
}

var errLookup = errors.New("lookup failed")

func sample(lat, lon float64, speed *float64) position.Sample {
	return position.Sample{Latitude: lat, Longitude: lon, Accuracy: 12, Speed: speed}
}
