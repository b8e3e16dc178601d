package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"nuha.dev/fieldtrack/internal/config"
	"nuha.dev/fieldtrack/internal/placelookup"
	"nuha.dev/fieldtrack/internal/position"
	"nuha.dev/fieldtrack/internal/position/devicefeed"
	"nuha.dev/fieldtrack/internal/position/natsfeed"
	"nuha.dev/fieldtrack/internal/position/simfeed"
	"nuha.dev/fieldtrack/internal/relay"
	"nuha.dev/fieldtrack/internal/store"
	"nuha.dev/fieldtrack/internal/store/impl/dynamostore"
	"nuha.dev/fieldtrack/internal/store/impl/logstore"
	"nuha.dev/fieldtrack/internal/store/impl/pgstore"
	"nuha.dev/fieldtrack/internal/telemetry"
	"nuha.dev/fieldtrack/internal/webapp"
	"nuha.dev/fieldtrack/internal/webapp/monitoring"
	"nuha.dev/fieldtrack/internal/webapp/webstream"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var autostart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracker with its API, websocket stream and monitoring servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := wire(ctx, c)
			if err != nil {
				return err
			}
			return a.run(ctx, autostart)
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", true, "start tracking the configured subjects (the demo staff when none are configured)")
	return cmd
}

type application struct {
	log     log.Logger
	config  *config.Config
	tracker *telemetry.Tracker
	devices *devicefeed.Server
	nc      *nats.Conn
	pool    *pgxpool.Pool
	history *pgstore.Store
	latest  *dynamostore.Store
	relay   *relay.Relay
	detach  func()
	events  store.EventStore
	stream  *webstream.WebstreamServer
	api     *webapp.Api
	mon     *monitoring.MonitoringServer
}

func wire(ctx context.Context, c *config.Config) (_ *application, err error) {
	a := &application{config: c}
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "main").Value()
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var watcher position.Watcher
	var fetcher position.Fetcher
	switch c.Feed {
	case "device":
		a.devices = devicefeed.NewServer(&devicefeed.Config{
			ListenerAddr: c.Device.Addr,
			LoginTimeout: c.Device.LoginTimeout,
			TunnelAddr:   c.Device.TunnelAddr,
			TunnelToken:  c.Device.TunnelToken,
		})
		feed := devicefeed.NewFeed(a.devices)
		watcher, fetcher = feed, feed
	case "nats":
		if err = a.connectNats(); err != nil {
			return nil, err
		}
		feed := natsfeed.NewFeed(natsfeed.NewTransport(a.nc), c.Nats.Prefix)
		watcher, fetcher = feed, feed
	default:
		sim := simfeed.New(&simfeed.Config{
			Interval:     c.Sim.Interval,
			Seed:         c.Sim.Seed,
			OriginLat:    c.Sim.OriginLat,
			OriginLon:    c.Sim.OriginLon,
			SpreadMeters: c.Sim.SpreadMeters,
			ErrorRate:    c.Sim.ErrorRate,
		})
		watcher, fetcher = sim, sim
	}

	var places telemetry.PlaceLookup
	var cache *placelookup.Cache
	if c.Places.Enabled {
		cache = placelookup.NewCache(placelookup.NewNominatim(c.Places.BaseURL, c.Places.UserAgent), c.Places.CacheSize)
		places = cache
	}

	a.tracker = telemetry.NewTracker(watcher, fetcher, places, &telemetry.Config{
		UpdateIntervalHint: c.Tracker.UpdateInterval,
		HighAccuracy:       c.Tracker.HighAccuracy,
		SampleTimeout:      c.Tracker.SampleTimeout,
		PlaceTimeout:       c.Tracker.PlaceTimeout,
		OnError: func(subjectId string, err error) {
			if a.events != nil {
				a.events.SaveEvent(context.Background(), subjectId, "tracking_error", err.Error(), time.Now().UTC())
			}
		},
	})

	if a.relay, err = relay.New(c.Node); err != nil {
		return nil, err
	}
	if err = a.wireStores(ctx); err != nil {
		return nil, err
	}
	if c.Nats.Publish {
		if err = a.connectNats(); err != nil {
			return nil, err
		}
		a.relay.AddSink("nats", natsfeed.NewPublisher(natsfeed.NewTransport(a.nc), c.Nats.Prefix))
	}
	a.detach = a.relay.Attach(a.tracker)

	a.stream, err = webstream.NewWebstream(a.tracker, webstream.WebStreamConfig{ListenAddr: c.Http.WsAddr, Salt: c.Http.WsSalt})
	if err != nil {
		return nil, err
	}
	a.api = webapp.NewApi(a.tracker, a.events, &webapp.ApiConfig{
		ListenAddr:  c.Http.Addr,
		ApiKeyHash:  c.Http.ApiKeyHash,
		CorsOrigins: c.Http.CorsOrigins,
	})

	src := &monitoring.Sources{Tracker: a.tracker, Relay: a.relay, Stream: a.stream}
	if a.devices != nil {
		src.Devices = a.devices
	}
	if cache != nil {
		src.Places = cache
	}
	a.mon = monitoring.NewMonApi(src, &monitoring.MonitoringConfig{ListenAddr: c.Monitoring.Addr})
	return a, nil
}

func (a *application) connectNats() error {
	if a.nc != nil {
		return nil
	}
	nc, err := natsfeed.Connect(a.config.Nats.Url, a.config.Nats.Name)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	a.nc = nc
	return nil
}

// wireStores registers the history, latest and event stores as relay sinks.
// Without postgres the history and events go to the log.
func (a *application) wireStores(ctx context.Context) error {
	c := a.config
	if c.Postgres.Url != "" {
		pool, err := pgxpool.Connect(ctx, c.Postgres.Url)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		a.history = pgstore.NewStore(pool, c.Postgres.Table, &pgstore.StoreConfig{BufSize: c.Postgres.BufSize, MaxAgeFlush: c.Postgres.FlushAge})
		a.history.Run()
		a.relay.AddSink("history", store.HistorySink(a.history))
		a.events = pgstore.NewEventStore(pool)
	} else {
		ls := logstore.NewStore()
		a.relay.AddSink("history", store.HistorySink(ls))
		a.events = ls
	}
	if c.Dynamo.Table != "" {
		client, err := dynamostore.NewClient(ctx, c.Dynamo.Region, c.Dynamo.Endpoint)
		if err != nil {
			return err
		}
		a.latest = dynamostore.NewStore(client, c.Dynamo.Table, c.Dynamo.QueueSize)
		a.latest.Run()
		a.relay.AddSink("latest", store.LatestSink(a.latest))
	}
	return nil
}

func (a *application) run(ctx context.Context, autostart bool) error {
	errc := make(chan error, 5)
	if a.devices != nil {
		go func() { errc <- a.devices.Run() }()
		if a.config.Device.TunnelAddr != "" {
			go func() { _ = a.devices.RunTunnel(ctx) }()
		}
	}
	go func() { errc <- a.api.Run() }()
	go func() { errc <- a.stream.Run() }()
	if a.config.Monitoring.Addr != "" {
		go func() { errc <- a.mon.Run() }()
	}

	if autostart {
		for _, s := range a.config.StartSubjects() {
			if err := a.tracker.StartTracking(s.Id, s.Name); err != nil {
				a.log.Error().Err(err).Str("subject_id", s.Id).Msg("unable to start tracking")
				continue
			}
			a.events.SaveEvent(ctx, s.Id, "tracking_started", s.Name, time.Now().UTC())
		}
	}

	var err error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	case err = <-errc:
		if err != nil {
			a.log.Error().Err(err).Msg("server failed, shutting down")
		}
	}
	a.close()
	return err
}

func (a *application) close() {
	if a.api != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.api.Shutdown(sctx)
		cancel()
	}
	if a.stream != nil {
		a.stream.Close()
	}
	if a.mon != nil {
		_ = a.mon.Close()
	}
	if a.tracker != nil {
		a.tracker.Close()
	}
	if a.detach != nil {
		a.detach()
	}
	if a.history != nil {
		a.history.Close()
	}
	if a.latest != nil {
		a.latest.Close()
	}
	if a.devices != nil {
		_ = a.devices.Close()
	}
	if a.nc != nil {
		_ = a.nc.Drain()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
