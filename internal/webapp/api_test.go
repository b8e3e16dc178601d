package webapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"nuha.dev/fieldtrack/internal/position"
	"nuha.dev/fieldtrack/internal/report"
	"nuha.dev/fieldtrack/internal/telemetry"
	"nuha.dev/fieldtrack/internal/util"
)

type fakeWatcher struct{}

func (fakeWatcher) Watch(subjectId string, opts position.Options, onSample func(position.Sample), onError func(error)) (position.Handle, error) {
	return position.OnceHandle(func() {}), nil
}

type fakeFetcher struct {
	sample position.Sample
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, subjectId string, opts position.Options) (position.Sample, error) {
	if f.err != nil {
		return position.Sample{}, f.err
	}
	return f.sample, nil
}

type savedEvent struct {
	subjectId, eventType, message string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []savedEvent
}

func (f *fakeEvents) SaveEvent(ctx context.Context, subjectId, eventType, message string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, savedEvent{subjectId, eventType, message})
}

func newTestApi(t *testing.T, w position.Watcher, f position.Fetcher, config *ApiConfig) (*Api, *fakeEvents, *httptest.Server) {
	t.Helper()
	tr := telemetry.NewTracker(w, f, nil, &telemetry.Config{SampleTimeout: time.Second})
	t.Cleanup(tr.Close)
	ev := &fakeEvents{}
	if config == nil {
		config = &ApiConfig{}
	}
	api := NewApi(tr, ev, config)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return api, ev, srv
}

func call(t *testing.T, srv *httptest.Server, name string, body string) (int, map[string]interface{}) {
	t.Helper()
	res, err := http.Post(srv.URL+"/func/"+name, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func TestStartStopTracking(t *testing.T) {
	_, ev, srv := newTestApi(t, fakeWatcher{}, nil, nil)

	code, out := call(t, srv, "StartTracking", `{"subject_id":"EMP-084","subject_name":"Robert Fox"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, out["status"])

	code, out = call(t, srv, "GetSessions", `{}`)
	assert.Equal(t, http.StatusOK, code)
	sessions := out["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	assert.Equal(t, "EMP-084", sessions[0].(map[string]interface{})["subject_id"])

	code, out = call(t, srv, "StopTracking", `{"subject_id":"EMP-084"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["was_tracking"])
	code, out = call(t, srv, "StopTracking", `{"subject_id":"EMP-084"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["was_tracking"])

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Equal(t, []savedEvent{
		{"EMP-084", "tracking_started", "Robert Fox"},
		{"EMP-084", "tracking_stopped", ""},
	}, ev.events)
}

func TestStartTrackingWithoutWatcher(t *testing.T) {
	_, ev, srv := newTestApi(t, nil, nil, nil)
	code, out := call(t, srv, "StartTracking", `{"subject_id":"EMP-084"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, out["error"], "unavailable")
	assert.Empty(t, ev.events)
}

func TestGetCurrentLocation(t *testing.T) {
	f := &fakeFetcher{sample: position.Sample{Latitude: 40.7128, Longitude: -74.006, Accuracy: 10, Speed: position.Float(6)}}
	_, _, srv := newTestApi(t, nil, f, nil)

	code, out := call(t, srv, "GetCurrentLocation", `{"subject_id":"EMP-102","subject_name":"Jane Cooper"}`)
	require.Equal(t, http.StatusOK, code)
	loc := out["location"].(map[string]interface{})
	assert.Equal(t, "Jane Cooper", loc["subject_name"])
	assert.Equal(t, "Traveling", loc["activity"])
	assert.Equal(t, "40.7128, -74.0060", loc["place_label"])

	code, out = call(t, srv, "GetLocation", `{"subject_id":"EMP-102"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "EMP-102", out["location"].(map[string]interface{})["subject_id"])

	code, out = call(t, srv, "GetAllLocations", `{}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, out["locations"], 1)

	code, out = call(t, srv, "GetCoordinates", `{}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Jane Cooper: 40.712800, -74.006000", out["value"])

	code, out = call(t, srv, "GetSummary", `{}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, out["value"], "Jane Cooper (EMP-102):\n  Location: 40.7128, -74.0060\n")
	assert.Contains(t, out["value"], "  Speed: 21.6 km/h")

	f.err = position.ErrTimeout
	code, _ = call(t, srv, "GetCurrentLocation", `{"subject_id":"EMP-102"}`)
	assert.Equal(t, http.StatusGatewayTimeout, code)
}

func TestErrorStatuses(t *testing.T) {
	_, _, srv := newTestApi(t, fakeWatcher{}, nil, nil)

	code, _ := call(t, srv, "GetLocation", `{"subject_id":"nobody"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, out := call(t, srv, "NoSuchFunction", `{}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, out["error"], "NoSuchFunction")

	code, _ = call(t, srv, "StartTracking", `{"subject_name":"no id"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, "StartTracking", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, "CalculateDistance", `{"lat1":91,"lon1":0,"lat2":0,"lon2":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCalculateDistance(t *testing.T) {
	_, _, srv := newTestApi(t, nil, nil, nil)
	code, out := call(t, srv, "CalculateDistance", `{"lat1":51.5074,"lon1":-0.1278,"lat2":48.8566,"lon2":2.3522}`)
	require.Equal(t, http.StatusOK, code)
	assert.InDelta(t, 343.5, out["distance_km"], 1)
}

func TestExports(t *testing.T) {
	f := &fakeFetcher{sample: position.Sample{Latitude: 1, Longitude: 2, Accuracy: 3}}
	api, _, srv := newTestApi(t, nil, f, nil)
	api.now = func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }
	code, _ := call(t, srv, "GetCurrentLocation", `{"subject_id":"EMP-042","subject_name":"Guy Hawkins"}`)
	require.Equal(t, http.StatusOK, code)

	res, err := http.Get(srv.URL + "/export/telemetry.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `attachment; filename="field_telemetry_2026-10-18.csv"`, res.Header.Get("Content-Disposition"))
	lines := strings.Split(string(body), "\n")
	assert.Equal(t, telemetry.CsvHeader, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "EMP-042,Guy Hawkins,1,2,"))

	res, err = http.Get(srv.URL + "/export/telemetry.xlsx")
	require.NoError(t, err)
	body, err = io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, `attachment; filename="field_telemetry_2026-10-18.xlsx"`, res.Header.Get("Content-Disposition"))
	wb, err := excelize.OpenReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows(report.SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Guy Hawkins", rows[1][1])
}

func TestApiKey(t *testing.T) {
	_, _, srv := newTestApi(t, nil, nil, &ApiConfig{ApiKeyHash: util.CryptPwd("field-key")})

	do := func(key string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/func/GetSessions", strings.NewReader(`{}`))
		require.NoError(t, err)
		if key != "" {
			req.Header.Set(API_KEY_HEADER, key)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}
	assert.Equal(t, http.StatusUnauthorized, do(""))
	assert.Equal(t, http.StatusUnauthorized, do("wrong"))
	assert.Equal(t, http.StatusOK, do("field-key"))
	assert.Equal(t, http.StatusOK, do("field-key"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, status_for(errors.New("boom")))
	assert.Equal(t, http.StatusGatewayTimeout, status_for(&telemetry.LocationUnavailableError{SubjectId: "x"}))
}
