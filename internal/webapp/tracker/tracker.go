package tracker

import (
	"context"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/store"
	"nuha.dev/fieldtrack/internal/telemetry"
	"nuha.dev/fieldtrack/internal/webapp/common"
)

const (
	EVENT_TRACKING_STARTED = "tracking_started"
	EVENT_TRACKING_STOPPED = "tracking_stopped"
)

type SubjectRequestModel struct {
	SubjectId   string `json:"subject_id" validate:"required,max=64"`
	SubjectName string `json:"subject_name" validate:"max=128"`
}

type SubjectIdRequestModel struct {
	SubjectId string `json:"subject_id" validate:"required,max=64"`
}

type StopTrackingResponseModel struct {
	Status      int  `json:"status"`
	WasTracking bool `json:"was_tracking"`
}

type LocationResponseModel struct {
	Location telemetry.TrackedLocation `json:"location"`
}

type LocationsResponseModel struct {
	Locations []telemetry.TrackedLocation `json:"locations"`
}

type DistanceRequestModel struct {
	Lat1 float64 `json:"lat1" validate:"gte=-90,lte=90"`
	Lon1 float64 `json:"lon1" validate:"gte=-180,lte=180"`
	Lat2 float64 `json:"lat2" validate:"gte=-90,lte=90"`
	Lon2 float64 `json:"lon2" validate:"gte=-180,lte=180"`
}

type DistanceResponseModel struct {
	DistanceKm float64 `json:"distance_km"`
}

type SessionsResponseModel struct {
	Sessions []telemetry.SessionInfo `json:"sessions"`
}

type Tracker struct {
	t      *telemetry.Tracker
	events store.EventStore
	log    log.Logger
	now    func() time.Time
}

// NewTrackerApi exposes t to the dispatcher. events may be nil.
func NewTrackerApi(t *telemetry.Tracker, events store.EventStore) *Tracker {
	o := &Tracker{t: t, events: events}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "tracker-api").Value()
	o.now = time.Now
	return o
}

func (t *Tracker) event(ctx context.Context, subjectId, eventType, message string) {
	if t.events == nil {
		return
	}
	t.events.SaveEvent(ctx, subjectId, eventType, message, t.now().UTC())
}

func (t *Tracker) StartTracking(ctx context.Context, req *SubjectRequestModel, res *common.BasicResponse) error {
	if err := t.t.StartTracking(req.SubjectId, req.SubjectName); err != nil {
		return err
	}
	t.event(ctx, req.SubjectId, EVENT_TRACKING_STARTED, req.SubjectName)
	res.Status = 1
	return nil
}

func (t *Tracker) StopTracking(ctx context.Context, req *SubjectIdRequestModel, res *StopTrackingResponseModel) error {
	res.WasTracking = t.t.Tracking(req.SubjectId)
	t.t.StopTracking(req.SubjectId)
	if res.WasTracking {
		t.event(ctx, req.SubjectId, EVENT_TRACKING_STOPPED, "")
	}
	res.Status = 1
	return nil
}

func (t *Tracker) GetCurrentLocation(ctx context.Context, req *SubjectRequestModel, res *LocationResponseModel) error {
	loc, err := t.t.GetCurrentLocation(ctx, req.SubjectId, req.SubjectName)
	if err != nil {
		return err
	}
	res.Location = loc
	return nil
}

func (t *Tracker) GetAllLocations(ctx context.Context, res *LocationsResponseModel) error {
	res.Locations = t.t.GetAllLocations()
	return nil
}

func (t *Tracker) GetLocation(ctx context.Context, req *SubjectIdRequestModel, res *LocationResponseModel) error {
	loc, ok := t.t.GetLocation(req.SubjectId)
	if !ok {
		return common.ErrNotFound
	}
	res.Location = loc
	return nil
}

func (t *Tracker) CalculateDistance(ctx context.Context, req *DistanceRequestModel, res *DistanceResponseModel) error {
	res.DistanceKm = t.t.CalculateDistanceKm(req.Lat1, req.Lon1, req.Lat2, req.Lon2)
	return nil
}

func (t *Tracker) GetSessions(ctx context.Context, res *SessionsResponseModel) error {
	res.Sessions = t.t.Sessions()
	return nil
}

// GetCoordinates lists the coordinates of every tracked subject as text.
func (t *Tracker) GetCoordinates(ctx context.Context, res *common.StringResponse) error {
	res.Value = telemetry.CoordinatesText(t.t.GetAllLocations())
	return nil
}

// GetSummary renders a readable summary of every tracked subject.
func (t *Tracker) GetSummary(ctx context.Context, res *common.StringResponse) error {
	res.Value = telemetry.SummaryText(t.t.GetAllLocations())
	return nil
}
