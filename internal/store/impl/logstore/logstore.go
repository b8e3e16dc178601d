package logstore

import (
	"context"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/telemetry"
)

// LogStore writes every record to the log instead of a database.
type LogStore struct {
	log log.Logger
}

func NewStore() *LogStore {
	l := &LogStore{}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) Put(loc telemetry.TrackedLocation) {
	e := l.log.Info().Str("subject_id", loc.SubjectId).Float64("lat", loc.Latitude).Float64("lon", loc.Longitude).
		Str("activity", string(loc.Activity)).Float64("accuracy", loc.AccuracyMeters).Time("captured_at", loc.CapturedAt)
	if loc.SpeedMetersPerSecond != nil {
		e = e.Float64("speed", *loc.SpeedMetersPerSecond)
	}
	e.Msg("location")
}

func (l *LogStore) Save(ctx context.Context, loc telemetry.TrackedLocation) error {
	l.log.Debug().Str("subject_id", loc.SubjectId).Str("place", loc.PlaceLabel).Msg("latest")
	return nil
}

func (l *LogStore) Delete(ctx context.Context, subjectId string) error {
	l.log.Debug().Str("subject_id", subjectId).Msg("latest removed")
	return nil
}

func (l *LogStore) SaveEvent(ctx context.Context, subjectId, eventType, message string, t time.Time) {
	l.log.Info().Str("subject_id", subjectId).Str("event", eventType).Str("message", message).Time("at", t).Msg("")
}
