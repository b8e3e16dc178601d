package telemetry

import (
	"context"
	"fmt"
	"time"

	"nuha.dev/fieldtrack/internal/position"
)

type Activity string

const (
	ActivityStationary Activity = "Stationary"
	ActivityWalking    Activity = "Walking"
	ActivityTraveling  Activity = "Traveling"
)

const (
	walkingSpeed   = 1.0
	travelingSpeed = 5.0
)

// TrackedLocation is the latest normalized observation of one subject.
type TrackedLocation struct {
	SubjectId            string    `json:"subject_id"`
	SubjectName          string    `json:"subject_name"`
	Latitude             float64   `json:"latitude"`
	Longitude            float64   `json:"longitude"`
	PlaceLabel           string    `json:"place_label"`
	Activity             Activity  `json:"activity"`
	CapturedAt           time.Time `json:"captured_at"`
	AccuracyMeters       float64   `json:"accuracy_meters"`
	SpeedMetersPerSecond *float64  `json:"speed_mps,omitempty"`
	HeadingDegrees       *float64  `json:"heading_deg,omitempty"`
}

func (l TrackedLocation) clone() TrackedLocation {
	if l.SpeedMetersPerSecond != nil {
		l.SpeedMetersPerSecond = position.Float(*l.SpeedMetersPerSecond)
	}
	if l.HeadingDegrees != nil {
		l.HeadingDegrees = position.Float(*l.HeadingDegrees)
	}
	return l
}

// PlaceLookup turns coordinates into a short human readable description.
type PlaceLookup interface {
	LookupPlace(ctx context.Context, lat, lon float64) (string, error)
}

func ActivityForSpeed(speed *float64) Activity {
	if speed == nil {
		return ActivityStationary
	}
	switch {
	case *speed > travelingSpeed:
		return ActivityTraveling
	case *speed > walkingSpeed:
		return ActivityWalking
	default:
		return ActivityStationary
	}
}

func FallbackLabel(lat, lon float64) string {
	return fmt.Sprintf("%.4f, %.4f", lat, lon)
}

func (t *Tracker) placeLabel(lat, lon float64) string {
	if t.places == nil {
		return FallbackLabel(lat, lon)
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.config.PlaceTimeout)
	defer cancel()
	label, err := t.places.LookupPlace(ctx, lat, lon)
	if err != nil {
		t.log.Warn().Err(err).Float64("latitude", lat).Float64("longitude", lon).Msg("place lookup failed, using coordinates")
		return FallbackLabel(lat, lon)
	}
	return label
}

func (t *Tracker) normalize(subjectId, subjectName string, s position.Sample) TrackedLocation {
	loc := TrackedLocation{
		SubjectId:      subjectId,
		SubjectName:    subjectName,
		Latitude:       s.Latitude,
		Longitude:      s.Longitude,
		AccuracyMeters: s.Accuracy,
	}
	loc.PlaceLabel = t.placeLabel(s.Latitude, s.Longitude)
	loc.Activity = ActivityForSpeed(s.Speed)
	if s.Speed != nil {
		loc.SpeedMetersPerSecond = position.Float(*s.Speed)
	}
	if s.Heading != nil {
		loc.HeadingDegrees = position.Float(*s.Heading)
	}
	loc.CapturedAt = t.now()
	return loc
}

// TimeAgo renders how long ago a location was captured.
func TimeAgo(capturedAt, now time.Time) string {
	seconds := int64(now.Sub(capturedAt) / time.Second)
	switch {
	case seconds < 10:
		return "Now"
	case seconds < 60:
		return fmt.Sprintf("%ds ago", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm ago", seconds/60)
	default:
		return fmt.Sprintf("%dh ago", seconds/3600)
	}
}

func SpeedKmh(l TrackedLocation) string {
	if l.SpeedMetersPerSecond == nil || *l.SpeedMetersPerSecond == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f km/h", *l.SpeedMetersPerSecond*3.6)
}
