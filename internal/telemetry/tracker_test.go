package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/fieldtrack/internal/position"
)

func newTestTracker(w position.Watcher, f position.Fetcher, p PlaceLookup) *Tracker {
	t := NewTracker(w, f, p, &Config{HighAccuracy: true})
	t.now = func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) }
	return t
}

func TestStartTrackingWithoutCapability(t *testing.T) {
	tr := newTestTracker(nil, nil, nil)
	err := tr.StartTracking("E1", "Alice")
	require.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.False(t, tr.Tracking("E1"))
	assert.Empty(t, tr.Sessions())
}

func TestStartTrackingWatcherFailure(t *testing.T) {
	w := &fakeWatcher{err: position.ErrUnsupported}
	tr := newTestTracker(w, nil, nil)
	err := tr.StartTracking("E1", "Alice")
	require.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.False(t, tr.Tracking("E1"))
}

func TestRestartWatcherFailureKeepsSession(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	first := w.latest("E1")
	w.deliver("E1", sample(1, 1, nil))
	sessions := tr.Sessions()

	calls := 0
	tr.Subscribe(func([]TrackedLocation) { calls++ })
	w.err = errors.New("denied")
	err := tr.StartTracking("E1", "Alice B.")
	require.ErrorIs(t, err, ErrCapabilityUnavailable)

	assert.True(t, tr.Tracking("E1"))
	assert.Equal(t, sessions, tr.Sessions())
	assert.False(t, w.isCleared(first))
	assert.Equal(t, 0, calls)
	loc, ok := tr.GetLocation("E1")
	require.True(t, ok)
	assert.Equal(t, "Alice", loc.SubjectName)

	// the kept session still delivers
	first.onSample(sample(2, 2, nil))
	loc, _ = tr.GetLocation("E1")
	assert.Equal(t, 2.0, loc.Latitude)
	assert.Equal(t, 1, calls)
}

func TestSubscriberPanicDoesNotBlockLaterChanges(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	panicked := false
	tr.Subscribe(func([]TrackedLocation) {
		if !panicked {
			panicked = true
			panic("subscriber failed")
		}
	})
	assert.Panics(t, func() { w.deliver("E1", sample(1, 1, nil)) })

	done := make(chan struct{})
	go func() {
		tr.StopTracking("E1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopTracking blocked after a subscriber panic")
	}
	assert.Empty(t, tr.GetAllLocations())
}

func TestStartTrackingOptions(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	opts := w.latest("E1").opts
	assert.True(t, opts.HighAccuracy)
	assert.Equal(t, 10*time.Second, opts.Timeout)
	assert.Equal(t, time.Duration(0), opts.MaximumAge)
}

func TestSampleIsNormalized(t *testing.T) {
	w := &fakeWatcher{}
	p := &fakePlaces{label: "Main Street, Downtown"}
	tr := newTestTracker(w, nil, p)
	require.NoError(t, tr.StartTracking("E1", "Alice"))

	s := sample(40.7128, -74.006, position.Float(7))
	s.Heading = position.Float(90)
	w.deliver("E1", s)

	loc, ok := tr.GetLocation("E1")
	require.True(t, ok)
	assert.Equal(t, "E1", loc.SubjectId)
	assert.Equal(t, "Alice", loc.SubjectName)
	assert.Equal(t, ActivityTraveling, loc.Activity)
	assert.Equal(t, "Main Street, Downtown", loc.PlaceLabel)
	assert.Equal(t, 12.0, loc.AccuracyMeters)
	require.NotNil(t, loc.SpeedMetersPerSecond)
	assert.Equal(t, 7.0, *loc.SpeedMetersPerSecond)
	require.NotNil(t, loc.HeadingDegrees)
	assert.Equal(t, 90.0, *loc.HeadingDegrees)
	assert.Equal(t, time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC), loc.CapturedAt)
}

func TestLatestWins(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	w.deliver("E1", sample(1, 1, nil))
	w.deliver("E1", sample(2, 2, position.Float(2)))

	all := tr.GetAllLocations()
	require.Len(t, all, 1)
	assert.Equal(t, 2.0, all[0].Latitude)
	assert.Equal(t, ActivityWalking, all[0].Activity)
}

func TestStopTrackingRemovesLocation(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	fw := w.latest("E1")
	w.deliver("E1", sample(1, 1, nil))

	tr.StopTracking("E1")
	_, ok := tr.GetLocation("E1")
	assert.False(t, ok)
	assert.Empty(t, tr.GetAllLocations())
	assert.True(t, w.isCleared(fw))

	// samples of a stopped session are dropped
	fw.onSample(sample(3, 3, nil))
	assert.Empty(t, tr.GetAllLocations())
}

func TestStopTrackingUnknownIsNoop(t *testing.T) {
	tr := newTestTracker(&fakeWatcher{}, nil, nil)
	calls := 0
	tr.Subscribe(func([]TrackedLocation) { calls++ })
	tr.StopTracking("nobody")
	assert.Equal(t, 0, calls)
}

func TestRestartReleasesPreviousHandle(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	first := w.latest("E1")
	w.deliver("E1", sample(1, 1, nil))

	require.NoError(t, tr.StartTracking("E1", "Alice B."))
	second := w.latest("E1")
	assert.NotSame(t, first, second)
	assert.True(t, w.isCleared(first))
	assert.False(t, w.isCleared(second))
	_, ok := tr.GetLocation("E1")
	assert.False(t, ok)

	first.onSample(sample(5, 5, nil))
	assert.Empty(t, tr.GetAllLocations())

	w.deliver("E1", sample(6, 6, nil))
	loc, ok := tr.GetLocation("E1")
	require.True(t, ok)
	assert.Equal(t, "Alice B.", loc.SubjectName)
	assert.Len(t, tr.Sessions(), 1)
}

func TestSubscribeFanOut(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	require.NoError(t, tr.StartTracking("E2", "Bob"))

	sizes := make([]int, 0)
	tr.Subscribe(func(locs []TrackedLocation) { sizes = append(sizes, len(locs)) })
	w.deliver("E1", sample(1, 1, nil))
	w.deliver("E2", sample(2, 2, nil))
	assert.Equal(t, []int{1, 2}, sizes)
}

func TestSubscribersNotifiedInOrder(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	got := make([]string, 0)
	tr.Subscribe(func([]TrackedLocation) { got = append(got, "first") })
	tr.Subscribe(func([]TrackedLocation) { got = append(got, "second") })
	w.deliver("E1", sample(1, 1, nil))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestUnsubscribe(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	calls := 0
	unsubscribe := tr.Subscribe(func([]TrackedLocation) { calls++ })
	w.deliver("E1", sample(1, 1, nil))
	unsubscribe()
	unsubscribe()
	w.deliver("E1", sample(2, 2, nil))
	assert.Equal(t, 1, calls)
}

func TestSnapshotInsertionOrder(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	for _, id := range []string{"C", "A", "B"} {
		require.NoError(t, tr.StartTracking(id, id))
		w.deliver(id, sample(1, 1, nil))
	}
	w.deliver("A", sample(2, 2, nil))
	ids := func() []string {
		res := []string{}
		for _, l := range tr.GetAllLocations() {
			res = append(res, l.SubjectId)
		}
		return res
	}
	assert.Equal(t, []string{"C", "A", "B"}, ids())
	tr.StopTracking("A")
	require.NoError(t, tr.StartTracking("A", "A"))
	w.deliver("A", sample(3, 3, nil))
	assert.Equal(t, []string{"C", "B", "A"}, ids())
}

func TestGetAllLocationsIsCopy(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	w.deliver("E1", sample(1, 1, position.Float(3)))

	all := tr.GetAllLocations()
	all[0].Latitude = 99
	*all[0].SpeedMetersPerSecond = 99
	_ = append(all, TrackedLocation{SubjectId: "X"})

	again := tr.GetAllLocations()
	require.Len(t, again, 1)
	assert.Equal(t, 1.0, again[0].Latitude)
	assert.Equal(t, 3.0, *again[0].SpeedMetersPerSecond)
}

func TestPlaceLookupFailureFallsBack(t *testing.T) {
	w := &fakeWatcher{}
	p := &fakePlaces{err: errLookup}
	tr := newTestTracker(w, nil, p)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	assert.NotPanics(t, func() { w.deliver("E1", sample(40.712776, -74.005974, nil)) })

	loc, ok := tr.GetLocation("E1")
	require.True(t, ok)
	assert.Equal(t, "40.7128, -74.0060", loc.PlaceLabel)
	assert.Equal(t, 1, p.calls)
}

func TestDeliveryErrorKeepsSession(t *testing.T) {
	w := &fakeWatcher{}
	var mu sync.Mutex
	reported := []error{}
	tr := NewTracker(w, nil, nil, &Config{OnError: func(id string, err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}})
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	w.deliver("E1", sample(1, 1, nil))

	calls := 0
	tr.Subscribe(func([]TrackedLocation) { calls++ })
	w.latest("E1").onError(position.ErrTimeout)

	assert.True(t, tr.Tracking("E1"))
	loc, ok := tr.GetLocation("E1")
	require.True(t, ok)
	assert.Equal(t, 1.0, loc.Latitude)
	assert.Equal(t, 0, calls)
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], position.ErrTimeout)
	assert.Equal(t, uint64(1), tr.Sessions()[0].Errors)

	w.deliver("E1", sample(2, 2, nil))
	loc, _ = tr.GetLocation("E1")
	assert.Equal(t, 2.0, loc.Latitude)
}

func TestGetCurrentLocation(t *testing.T) {
	f := &fakeFetcher{sample: sample(10, 20, position.Float(0.5))}
	tr := newTestTracker(nil, f, nil)
	snaps := 0
	tr.Subscribe(func([]TrackedLocation) { snaps++ })

	loc, err := tr.GetCurrentLocation(context.Background(), "E9", "Zed")
	require.NoError(t, err)
	assert.Equal(t, ActivityStationary, loc.Activity)
	assert.Equal(t, "10.0000, 20.0000", loc.PlaceLabel)
	assert.Equal(t, 1, snaps)
	assert.True(t, f.opts.HighAccuracy)
	assert.Equal(t, time.Duration(0), f.opts.MaximumAge)

	stored, ok := tr.GetLocation("E9")
	require.True(t, ok)
	assert.Equal(t, loc, stored)
	assert.False(t, tr.Tracking("E9"))
}

func TestGetCurrentLocationFailureKeepsState(t *testing.T) {
	w := &fakeWatcher{}
	f := &fakeFetcher{}
	tr := newTestTracker(w, f, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	w.deliver("E1", sample(1, 1, nil))
	before, _ := tr.GetLocation("E1")

	f.err = position.ErrPermissionDenied
	_, err := tr.GetCurrentLocation(context.Background(), "E1", "Alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocationUnavailable)
	assert.ErrorIs(t, err, position.ErrPermissionDenied)
	var lue *LocationUnavailableError
	require.True(t, errors.As(err, &lue))
	assert.Equal(t, "E1", lue.SubjectId)

	after, ok := tr.GetLocation("E1")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestGetCurrentLocationWithoutFetcher(t *testing.T) {
	tr := newTestTracker(nil, nil, nil)
	_, err := tr.GetCurrentLocation(context.Background(), "E1", "Alice")
	assert.ErrorIs(t, err, ErrLocationUnavailable)
	assert.ErrorIs(t, err, position.ErrUnsupported)
}

func TestOneShotEntryClearedByLaterSession(t *testing.T) {
	w := &fakeWatcher{}
	f := &fakeFetcher{sample: sample(1, 1, nil)}
	tr := newTestTracker(w, f, nil)
	_, err := tr.GetCurrentLocation(context.Background(), "E1", "Alice")
	require.NoError(t, err)

	// no session yet, stop is a no-op and keeps the transient entry
	tr.StopTracking("E1")
	_, ok := tr.GetLocation("E1")
	assert.True(t, ok)

	require.NoError(t, tr.StartTracking("E1", "Alice"))
	tr.StopTracking("E1")
	_, ok = tr.GetLocation("E1")
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	require.NoError(t, tr.StartTracking("E1", "Alice"))
	require.NoError(t, tr.StartTracking("E2", "Bob"))
	tr.Close()
	assert.Empty(t, tr.Sessions())
	assert.True(t, w.isCleared(w.latest("E1")))
	assert.True(t, w.isCleared(w.latest("E2")))
}

func TestIndependentInstances(t *testing.T) {
	w := &fakeWatcher{}
	a := newTestTracker(w, nil, nil)
	b := newTestTracker(w, nil, nil)
	require.NoError(t, a.StartTracking("E1", "Alice"))
	w.deliver("E1", sample(1, 1, nil))
	assert.Len(t, a.GetAllLocations(), 1)
	assert.Empty(t, b.GetAllLocations())
}

func TestConcurrentSamplesSnapshotsGrow(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTestTracker(w, nil, nil)
	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for _, id := range ids {
		require.NoError(t, tr.StartTracking(id, id))
	}
	var mu sync.Mutex
	sizes := []int{}
	tr.Subscribe(func(locs []TrackedLocation) {
		mu.Lock()
		sizes = append(sizes, len(locs))
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w.deliver(id, sample(1, 1, nil))
		}(id)
	}
	wg.Wait()
	require.Len(t, sizes, len(ids))
	for i, n := range sizes {
		assert.Equal(t, i+1, n)
	}
}
