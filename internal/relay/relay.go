package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/telemetry"
)

const (
	TOPIC_UPDATED = "location.updated"
	TOPIC_REMOVED = "location.removed"
)

// 2026-01-01T00:00:00Z in milliseconds, the epoch of event ids.
const idEpoch uint64 = 1767225600000

// Sink receives location changes. Errors are logged and do not stop other
// sinks.
type Sink interface {
	LocationUpdated(ctx context.Context, loc telemetry.TrackedLocation) error
	LocationRemoved(ctx context.Context, subjectId string) error
}

// Relay turns consecutive tracker snapshots into per-subject events on an
// in-process bus.
type Relay struct {
	mu      sync.Mutex
	log     log.Logger
	bus     *bus.Bus
	prev    map[string]telemetry.TrackedLocation
	updated uint64
	removed uint64
}

func New(node uint64) (*Relay, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, idEpoch)
	if err != nil {
		return nil, fmt.Errorf("id generator: %w", err)
	}
	b, err := bus.NewBus(bus.Next(m.Next))
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	b.RegisterTopics(TOPIC_UPDATED, TOPIC_REMOVED)
	r := &Relay{bus: b}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "relay").Value()
	r.prev = make(map[string]telemetry.TrackedLocation)
	return r, nil
}

// AddSink registers s under name. A second sink with the same name replaces
// the first.
func (r *Relay) AddSink(name string, s Sink) {
	r.bus.RegisterHandler(name, bus.Handler{
		Matcher: `^location\.`,
		Handle: func(ctx context.Context, e bus.Event) {
			var err error
			switch e.Topic {
			case TOPIC_UPDATED:
				err = s.LocationUpdated(ctx, e.Data.(telemetry.TrackedLocation))
			case TOPIC_REMOVED:
				err = s.LocationRemoved(ctx, e.Data.(string))
			}
			if err != nil {
				r.log.Error().Err(err).Str("sink", name).Str("topic", e.Topic).Str("event_id", e.ID).Msg("sink failed")
			}
		},
	})
	r.log.Info().Str("sink", name).Msg("sink added")
}

func (r *Relay) RemoveSink(name string) {
	r.bus.DeregisterHandler(name)
}

// Attach subscribes the relay to t and returns the cancel func.
func (r *Relay) Attach(t *telemetry.Tracker) func() {
	return t.Subscribe(r.OnSnapshot)
}

// OnSnapshot emits location.updated for new or changed entries and
// location.removed for entries missing from locs.
func (r *Relay) OnSnapshot(locs []telemetry.TrackedLocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := context.Background()
	seen := make(map[string]struct{}, len(locs))
	for _, loc := range locs {
		seen[loc.SubjectId] = struct{}{}
		old, ok := r.prev[loc.SubjectId]
		if ok && same(old, loc) {
			continue
		}
		r.prev[loc.SubjectId] = loc
		r.updated++
		if err := r.bus.Emit(ctx, TOPIC_UPDATED, loc); err != nil {
			r.log.Error().Err(err).Str("topic", TOPIC_UPDATED).Msg("emit failed")
		}
	}
	for id := range r.prev {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(r.prev, id)
		r.removed++
		if err := r.bus.Emit(ctx, TOPIC_REMOVED, id); err != nil {
			r.log.Error().Err(err).Str("topic", TOPIC_REMOVED).Msg("emit failed")
		}
	}
}

func (r *Relay) Counts() (updated, removed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updated, r.removed
}

func same(a, b telemetry.TrackedLocation) bool {
	return a.Latitude == b.Latitude &&
		a.Longitude == b.Longitude &&
		a.CapturedAt.Equal(b.CapturedAt) &&
		a.PlaceLabel == b.PlaceLabel &&
		a.Activity == b.Activity &&
		a.AccuracyMeters == b.AccuracyMeters &&
		a.SubjectName == b.SubjectName &&
		equal_ptr(a.SpeedMetersPerSecond, b.SpeedMetersPerSecond) &&
		equal_ptr(a.HeadingDegrees, b.HeadingDegrees)
}

func equal_ptr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SinkFunc adapts two plain funcs to a Sink.
type SinkFunc struct {
	Updated func(ctx context.Context, loc telemetry.TrackedLocation) error
	Removed func(ctx context.Context, subjectId string) error
}

func (f SinkFunc) LocationUpdated(ctx context.Context, loc telemetry.TrackedLocation) error {
	if f.Updated == nil {
		return nil
	}
	return f.Updated(ctx, loc)
}

func (f SinkFunc) LocationRemoved(ctx context.Context, subjectId string) error {
	if f.Removed == nil {
		return nil
	}
	return f.Removed(ctx, subjectId)
}
