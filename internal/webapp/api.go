package webapp

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/report"
	"nuha.dev/fieldtrack/internal/store"
	"nuha.dev/fieldtrack/internal/telemetry"
	"nuha.dev/fieldtrack/internal/util"
	"nuha.dev/fieldtrack/internal/webapp/tracker"
)

const API_KEY_HEADER = "X-API-Key"

type ApiConfig struct {
	ListenAddr string
	// ApiKeyHash is a bcrypt hash. When set every request must carry the
	// matching key in X-API-Key.
	ApiKeyHash  string
	CorsOrigins []string
}

type Api struct {
	r       chi.Router
	s       *http.Server
	config  *ApiConfig
	log     log.Logger
	tracker *telemetry.Tracker
	keys    sync.Map
	now     func() time.Time
}

func NewApi(t *telemetry.Tracker, events store.EventStore, config *ApiConfig) *Api {
	api := &Api{config: config, tracker: t}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.now = time.Now
	origins := config.CorsOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", API_KEY_HEADER},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	if config.ApiKeyHash != "" {
		r.Use(api.key_verify)
	}

	disp := NewDispatcher()
	tracker_api := tracker.NewTrackerApi(t, events)
	disp.Add("StartTracking", tracker_api.StartTracking)
	disp.Add("StopTracking", tracker_api.StopTracking)
	disp.Add("GetCurrentLocation", tracker_api.GetCurrentLocation)
	disp.Add("GetAllLocations", tracker_api.GetAllLocations)
	disp.Add("GetLocation", tracker_api.GetLocation)
	disp.Add("CalculateDistance", tracker_api.CalculateDistance)
	disp.Add("GetSessions", tracker_api.GetSessions)
	disp.Add("GetCoordinates", tracker_api.GetCoordinates)
	disp.Add("GetSummary", tracker_api.GetSummary)

	r.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		disp.Call(chi.URLParam(r, "name"), w, r)
	})
	r.Get("/export/telemetry.csv", api.ExportCsv)
	r.Get("/export/telemetry.xlsx", api.ExportXlsx)

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        api.r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

func (api *Api) Run() error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	err := api.s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		api.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) ExportCsv(w http.ResponseWriter, r *http.Request) {
	body := api.tracker.ExportCsv()
	w.Header().Set("Content-Type", "text/csv;charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.ExportFilename("csv", api.now())+`"`)
	_, _ = w.Write([]byte(body))
}

func (api *Api) ExportXlsx(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := report.WriteWorkbook(&buf, api.tracker.GetAllLocations()); err != nil {
		api.log.Error().Err(err).Msg("unable to build workbook")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.ExportFilename("xlsx", api.now())+`"`)
	_, _ = w.Write(buf.Bytes())
}

// key_verify compares X-API-Key against the configured bcrypt hash. Keys
// that matched once are remembered.
func (api *Api) key_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(API_KEY_HEADER)
		if key == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if _, ok := api.keys.Load(key); !ok {
			if !util.CheckPwd(api.config.ApiKeyHash, key) {
				api.log.Debug().Str("remote", r.RemoteAddr).Msg("rejected api key")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			api.keys.Store(key, struct{}{})
		}
		next.ServeHTTP(w, r)
	})
}
