package monitoring

import (
	"errors"
	"net/http"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/position/devicefeed"
	"nuha.dev/fieldtrack/internal/stat"
	"nuha.dev/fieldtrack/internal/telemetry"
	"nuha.dev/fieldtrack/internal/util"
)

type MonitoringConfig struct {
	ListenAddr string
}

type DeviceSource interface {
	Devices() []devicefeed.DeviceInfo
	Stat() stat.Snapshot
}

type PlaceCache interface {
	Stats() (hits, misses uint64, entries int)
}

type RelayCounter interface {
	Counts() (updated, removed uint64)
}

type ClientCounter interface {
	Clients() int
}

// Sources feed the status document. Only Tracker is required.
type Sources struct {
	Tracker *telemetry.Tracker
	Devices DeviceSource
	Places  PlaceCache
	Relay   RelayCounter
	Stream  ClientCounter
}

type LocationStatus struct {
	telemetry.TrackedLocation
	TimeAgo string `json:"time_ago"`
	Speed   string `json:"speed"`
}

type PlaceCacheStatus struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

type RelayStatus struct {
	Updated uint64 `json:"updated"`
	Removed uint64 `json:"removed"`
}

type Status struct {
	Now        time.Time               `json:"now"`
	Uptime     string                  `json:"uptime"`
	Sessions   []telemetry.SessionInfo `json:"sessions"`
	Locations  []LocationStatus        `json:"locations"`
	Devices    []devicefeed.DeviceInfo `json:"devices,omitempty"`
	DeviceStat *stat.Snapshot          `json:"device_stat,omitempty"`
	PlaceCache *PlaceCacheStatus       `json:"place_cache,omitempty"`
	Relay      *RelayStatus            `json:"relay,omitempty"`
	WsClients  *int                    `json:"ws_clients,omitempty"`
}

type MonitoringServer struct {
	src     *Sources
	server  *http.Server
	log     log.Logger
	started time.Time
	now     func() time.Time
}

func NewMonApi(src *Sources, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{src: src}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	m.now = time.Now
	m.started = m.now()
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(m.serve_http),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) Run() error {
	m.log.Info().Msgf("starting monitoring server on : %s", m.server.Addr)
	err := m.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (m *MonitoringServer) Close() error {
	return m.server.Close()
}

func (m *MonitoringServer) Status() Status {
	now := m.now()
	res := Status{Now: now.UTC(), Uptime: now.Sub(m.started).Truncate(time.Second).String()}
	res.Sessions = m.src.Tracker.Sessions()
	locs := m.src.Tracker.GetAllLocations()
	res.Locations = make([]LocationStatus, 0, len(locs))
	for _, l := range locs {
		res.Locations = append(res.Locations, LocationStatus{TrackedLocation: l, TimeAgo: telemetry.TimeAgo(l.CapturedAt, now), Speed: telemetry.SpeedKmh(l)})
	}
	if m.src.Devices != nil {
		res.Devices = m.src.Devices.Devices()
		st := m.src.Devices.Stat()
		res.DeviceStat = &st
	}
	if m.src.Places != nil {
		hits, misses, entries := m.src.Places.Stats()
		res.PlaceCache = &PlaceCacheStatus{Hits: hits, Misses: misses, Entries: entries}
	}
	if m.src.Relay != nil {
		updated, removed := m.src.Relay.Counts()
		res.Relay = &RelayStatus{Updated: updated, Removed: removed}
	}
	if m.src.Stream != nil {
		n := m.src.Stream.Clients()
		res.WsClients = &n
	}
	return res
}

func (m *MonitoringServer) serve_http(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, m.Status())
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return http.HandlerFunc(m.serve_http)
}
