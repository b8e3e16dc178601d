package monitoring

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/fieldtrack/internal/position"
	"nuha.dev/fieldtrack/internal/position/devicefeed"
	"nuha.dev/fieldtrack/internal/stat"
	"nuha.dev/fieldtrack/internal/telemetry"
)

type fixedFetcher struct{}

func (fixedFetcher) Fetch(ctx context.Context, subjectId string, opts position.Options) (position.Sample, error) {
	return position.Sample{Latitude: 40.7128, Longitude: -74.006, Accuracy: 5, Speed: position.Float(5)}, nil
}

type fakeDevices struct{}

func (fakeDevices) Devices() []devicefeed.DeviceInfo {
	return []devicefeed.DeviceInfo{{SubjectId: "EMP-084", Connected: true}}
}

func (fakeDevices) Stat() stat.Snapshot {
	return stat.Snapshot{Total: 7}
}

type fakeCache struct{}

func (fakeCache) Stats() (uint64, uint64, int) { return 3, 1, 1 }

type fakeRelay struct{}

func (fakeRelay) Counts() (uint64, uint64) { return 4, 2 }

type fakeStream struct{}

func (fakeStream) Clients() int { return 2 }

func TestStatus(t *testing.T) {
	tr := telemetry.NewTracker(nil, fixedFetcher{}, nil, nil)
	_, err := tr.GetCurrentLocation(context.Background(), "EMP-084", "Robert Fox")
	require.NoError(t, err)

	m := NewMonApi(&Sources{Tracker: tr, Devices: fakeDevices{}, Places: fakeCache{}, Relay: fakeRelay{}, Stream: fakeStream{}}, &MonitoringConfig{})
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	w := httptest.NewRecorder()
	m.GetHandler().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Len(t, st.Locations, 1)
	assert.Equal(t, "2m ago", st.Locations[0].TimeAgo)
	assert.Equal(t, "18.0 km/h", st.Locations[0].Speed)
	assert.Equal(t, "EMP-084", st.Locations[0].SubjectId)
	require.Len(t, st.Devices, 1)
	assert.Equal(t, uint64(7), st.DeviceStat.Total)
	assert.Equal(t, uint64(3), st.PlaceCache.Hits)
	assert.Equal(t, uint64(2), st.Relay.Removed)
	assert.Equal(t, 2, *st.WsClients)
	assert.Empty(t, st.Sessions)
}

func TestStatusWithTrackerOnly(t *testing.T) {
	tr := telemetry.NewTracker(nil, nil, nil, nil)
	m := NewMonApi(&Sources{Tracker: tr}, &MonitoringConfig{})
	st := m.Status()
	assert.Empty(t, st.Locations)
	assert.Nil(t, st.Devices)
	assert.Nil(t, st.DeviceStat)
	assert.Nil(t, st.WsClients)
}
