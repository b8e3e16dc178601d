package store

import (
	"context"
	"time"

	"nuha.dev/fieldtrack/internal/relay"
	"nuha.dev/fieldtrack/internal/telemetry"
)

// HistoryStore appends every observed location. Put must not block.
type HistoryStore interface {
	Put(loc telemetry.TrackedLocation)
}

// LatestStore mirrors the current location of each subject.
type LatestStore interface {
	Save(ctx context.Context, loc telemetry.TrackedLocation) error
	Delete(ctx context.Context, subjectId string) error
}

// EventStore records session lifecycle events.
type EventStore interface {
	SaveEvent(ctx context.Context, subjectId, eventType, message string, t time.Time)
}

func HistorySink(h HistoryStore) relay.Sink {
	return relay.SinkFunc{
		Updated: func(ctx context.Context, loc telemetry.TrackedLocation) error {
			h.Put(loc)
			return nil
		},
	}
}

func LatestSink(l LatestStore) relay.Sink {
	return relay.SinkFunc{
		Updated: l.Save,
		Removed: l.Delete,
	}
}
