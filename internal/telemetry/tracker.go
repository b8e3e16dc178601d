package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/position"
	"nuha.dev/fieldtrack/internal/sublist"
	"nuha.dev/fieldtrack/internal/util"
)

const (
	DefaultSampleTimeout = 10 * time.Second
	DefaultPlaceTimeout  = 5 * time.Second
)

type Config struct {
	// UpdateIntervalHint is advisory, the tracker does not enforce it.
	UpdateIntervalHint time.Duration
	HighAccuracy       bool
	SampleTimeout      time.Duration
	PlaceTimeout       time.Duration
	// OnError receives delivery errors of continuous sessions.
	OnError func(subjectId string, err error)
}

type session struct {
	id          string
	subjectId   string
	subjectName string
	handle      position.Handle
	startedAt   time.Time
	samples     uint64
	errors      uint64
}

type SessionInfo struct {
	SessionId   string    `json:"session_id"`
	SubjectId   string    `json:"subject_id"`
	SubjectName string    `json:"subject_name"`
	StartedAt   time.Time `json:"started_at"`
	Samples     uint64    `json:"samples"`
	Errors      uint64    `json:"errors"`
}

func (s *session) MarshalObject(e *log.Entry) {
	e.Str("session_id", s.id).Str("subject_id", s.subjectId).Str("subject_name", s.subjectName)
}

// Tracker keeps the latest location of every tracked subject and fans the
// full snapshot out to subscribers on each change.
type Tracker struct {
	mu        sync.Mutex
	emit      sync.Mutex
	emitCond  *sync.Cond
	issued    uint64
	emitted   uint64
	log       log.Logger
	config    Config
	watcher   position.Watcher
	fetcher   position.Fetcher
	places    PlaceLookup
	sessions  map[string]*session
	locations map[string]TrackedLocation
	order     []string
	subs      *sublist.Sublist[[]TrackedLocation]
	now       func() time.Time
}

func NewTracker(watcher position.Watcher, fetcher position.Fetcher, places PlaceLookup, config *Config) *Tracker {
	t := &Tracker{}
	if config != nil {
		t.config = *config
	}
	if t.config.SampleTimeout <= 0 {
		t.config.SampleTimeout = DefaultSampleTimeout
	}
	if t.config.PlaceTimeout <= 0 {
		t.config.PlaceTimeout = DefaultPlaceTimeout
	}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "tracker").Value()
	t.watcher = watcher
	t.fetcher = fetcher
	t.places = places
	t.sessions = make(map[string]*session)
	t.locations = make(map[string]TrackedLocation)
	t.order = make([]string, 0, 8)
	t.subs = sublist.NewSublist[[]TrackedLocation]()
	t.emitCond = sync.NewCond(&t.emit)
	t.now = time.Now
	return t
}

func (t *Tracker) options() position.Options {
	return position.Options{HighAccuracy: t.config.HighAccuracy, Timeout: t.config.SampleTimeout, MaximumAge: 0}
}

// StartTracking opens a continuous observation session for subjectId. An
// existing session for the same subject is replaced once the new watch is
// open; when the watch cannot be opened the existing session is kept.
func (t *Tracker) StartTracking(subjectId, subjectName string) error {
	if t.watcher == nil {
		return ErrCapabilityUnavailable
	}
	sess := &session{id: util.GenUUID(), subjectId: subjectId, subjectName: subjectName, startedAt: t.now()}
	t.mu.Lock()
	prev := t.sessions[subjectId]
	t.sessions[subjectId] = sess
	t.mu.Unlock()

	handle, err := t.watcher.Watch(subjectId, t.options(),
		func(s position.Sample) { t.onSample(sess, s) },
		func(err error) { t.onWatchError(sess, err) },
	)
	t.mu.Lock()
	current := t.sessions[subjectId] == sess
	var prevHandle position.Handle
	if prev != nil {
		prevHandle = prev.handle
	}
	if err != nil {
		if current {
			if prev != nil {
				t.sessions[subjectId] = prev
			} else {
				delete(t.sessions, subjectId)
			}
		}
		t.mu.Unlock()
		if !current {
			// superseded while opening, prev went with it
			t.release(prev, prevHandle)
		}
		t.log.Error().Err(err).EmbedObject(sess).Msg("unable to start watch")
		return fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	if !current {
		t.mu.Unlock()
		handle.Clear()
		t.release(prev, prevHandle)
		return nil
	}
	sess.handle = handle
	if prev != nil && sess.samples == 0 {
		t.removeLocked(subjectId)
		t.publishLocked()
	} else {
		t.mu.Unlock()
	}
	t.release(prev, prevHandle)
	t.log.Info().Str("event", "tracking_started").EmbedObject(sess).Msg("")
	return nil
}

// release clears the watch of a session that is no longer registered.
func (t *Tracker) release(sess *session, handle position.Handle) {
	if sess == nil {
		return
	}
	if handle != nil {
		handle.Clear()
	}
	t.log.Info().Str("event", "tracking_stopped").EmbedObject(sess).Msg("replaced")
}

// StopTracking releases the session of subjectId and forgets its location.
// It is a no-op when no session exists.
func (t *Tracker) StopTracking(subjectId string) {
	t.mu.Lock()
	sess, ok := t.sessions[subjectId]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, subjectId)
	handle := sess.handle
	samples := sess.samples
	t.removeLocked(subjectId)
	t.publishLocked()
	if handle != nil {
		handle.Clear()
	}
	t.log.Info().Str("event", "tracking_stopped").EmbedObject(sess).Uint64("samples", samples).Msg("")
}

func (t *Tracker) onSample(sess *session, s position.Sample) {
	loc := t.normalize(sess.subjectId, sess.subjectName, s)
	t.mu.Lock()
	if t.sessions[sess.subjectId] != sess {
		t.mu.Unlock()
		t.log.Debug().EmbedObject(sess).Msg("dropping sample of closed session")
		return
	}
	sess.samples++
	t.storeLocked(loc)
	t.publishLocked()
}

func (t *Tracker) onWatchError(sess *session, err error) {
	t.mu.Lock()
	active := t.sessions[sess.subjectId] == sess
	if active {
		sess.errors++
	}
	t.mu.Unlock()
	if !active {
		return
	}
	t.log.Error().Err(err).Str("event", "tracking_error").EmbedObject(sess).Msg("")
	if t.config.OnError != nil {
		t.config.OnError(sess.subjectId, err)
	}
}

// GetCurrentLocation fetches a single fix for subjectId regardless of any
// running session, stores it and returns it.
func (t *Tracker) GetCurrentLocation(ctx context.Context, subjectId, subjectName string) (TrackedLocation, error) {
	if t.fetcher == nil {
		return TrackedLocation{}, &LocationUnavailableError{SubjectId: subjectId, Cause: position.ErrUnsupported}
	}
	ctx, cancel := context.WithTimeout(ctx, t.config.SampleTimeout)
	defer cancel()
	s, err := t.fetcher.Fetch(ctx, subjectId, t.options())
	if err != nil {
		t.log.Warn().Err(err).Str("subject_id", subjectId).Msg("one-shot location failed")
		return TrackedLocation{}, &LocationUnavailableError{SubjectId: subjectId, Cause: err}
	}
	loc := t.normalize(subjectId, subjectName, s)
	t.mu.Lock()
	t.storeLocked(loc)
	t.publishLocked()
	return loc.clone(), nil
}

// Subscribe registers fn for every subsequent change of the stored set.
func (t *Tracker) Subscribe(fn func([]TrackedLocation)) func() {
	return t.subs.Subscribe(fn)
}

func (t *Tracker) GetAllLocations() []TrackedLocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) GetLocation(subjectId string) (TrackedLocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locations[subjectId]
	if !ok {
		return TrackedLocation{}, false
	}
	return l.clone(), true
}

func (t *Tracker) CalculateDistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	return DistanceKm(lat1, lon1, lat2, lon2)
}

func (t *Tracker) ExportCsv() string {
	return Csv(t.GetAllLocations())
}

func (t *Tracker) Sessions() []SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		res = append(res, SessionInfo{SessionId: s.id, SubjectId: s.subjectId, SubjectName: s.subjectName, StartedAt: s.startedAt, Samples: s.samples, Errors: s.errors})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SubjectId < res[j].SubjectId })
	return res
}

func (t *Tracker) Tracking(subjectId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[subjectId]
	return ok
}

// Close stops every session. The tracker keeps answering queries afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.StopTracking(id)
	}
}

func (t *Tracker) storeLocked(loc TrackedLocation) {
	if _, ok := t.locations[loc.SubjectId]; !ok {
		t.order = append(t.order, loc.SubjectId)
	}
	t.locations[loc.SubjectId] = loc
}

func (t *Tracker) removeLocked(subjectId string) {
	if _, ok := t.locations[subjectId]; !ok {
		return
	}
	delete(t.locations, subjectId)
	for i, id := range t.order {
		if id == subjectId {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Tracker) snapshotLocked() []TrackedLocation {
	res := make([]TrackedLocation, 0, len(t.order))
	for _, id := range t.order {
		res = append(res, t.locations[id].clone())
	}
	return res
}

// publishLocked must be called with t.mu held and releases it. Every
// change takes a ticket under t.mu and snapshots are handed to subscribers
// in ticket order, so they observe changes in the order they happened.
// Subscribers may read the tracker but must not start or stop sessions
// from inside the callback.
func (t *Tracker) publishLocked() {
	snap := t.snapshotLocked()
	t.issued++
	ticket := t.issued
	t.mu.Unlock()

	t.emit.Lock()
	for t.emitted+1 != ticket {
		t.emitCond.Wait()
	}
	t.emit.Unlock()

	defer func() {
		t.emit.Lock()
		t.emitted = ticket
		t.emitCond.Broadcast()
		t.emit.Unlock()
	}()
	t.subs.Send(snap)
}
