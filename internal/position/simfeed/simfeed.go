package simfeed

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/position"
)

const metersPerDegree = 111320.0

type Config struct {
	Interval  time.Duration
	Seed      int64
	OriginLat float64
	OriginLon float64
	// SpreadMeters bounds the distance of a new walker from the origin.
	SpreadMeters float64
	// ErrorRate is the chance of a tick reporting ErrPositionUnavailable.
	ErrorRate float64
}

type walker struct {
	lat, lon float64
	speed    float64
	heading  float64
}

// Sim is a random walk position source.
type Sim struct {
	mu      sync.Mutex
	log     log.Logger
	config  Config
	rng     *rand.Rand
	walkers map[string]*walker
	now     func() time.Time
}

func New(config *Config) *Sim {
	s := &Sim{config: *config}
	if s.config.Interval <= 0 {
		s.config.Interval = 5 * time.Second
	}
	if s.config.SpreadMeters <= 0 {
		s.config.SpreadMeters = 1000
	}
	if s.config.OriginLat == 0 && s.config.OriginLon == 0 {
		s.config.OriginLat, s.config.OriginLon = 40.7128, -74.0060
	}
	seed := s.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s.rng = rand.New(rand.NewSource(seed))
	s.walkers = make(map[string]*walker)
	s.now = time.Now
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "simfeed").Value()
	return s
}

func (s *Sim) Watch(subjectId string, opts position.Options, onSample func(position.Sample), onError func(error)) (position.Handle, error) {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			sample, err := s.step(subjectId, opts.HighAccuracy)
			select {
			case <-stop:
				return
			default:
			}
			if err != nil {
				onError(err)
				continue
			}
			onSample(sample)
		}
	}()
	s.log.Debug().Str("subject_id", subjectId).Dur("interval", s.config.Interval).Msg("walk started")
	return position.OnceHandle(func() { close(stop) }), nil
}

func (s *Sim) Fetch(ctx context.Context, subjectId string, opts position.Options) (position.Sample, error) {
	if err := ctx.Err(); err != nil {
		return position.Sample{}, err
	}
	return s.step(subjectId, opts.HighAccuracy)
}

func (s *Sim) step(subjectId string, highAccuracy bool) (position.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.ErrorRate > 0 && s.rng.Float64() < s.config.ErrorRate {
		return position.Sample{}, position.ErrPositionUnavailable
	}
	w, ok := s.walkers[subjectId]
	if !ok {
		w = s.spawn()
		s.walkers[subjectId] = w
	} else {
		s.advance(w)
	}
	accuracy := 20 + s.rng.Float64()*30
	if highAccuracy {
		accuracy = 3 + s.rng.Float64()*7
	}
	return position.Sample{
		Latitude:  w.lat,
		Longitude: w.lon,
		Accuracy:  math.Round(accuracy*10) / 10,
		Speed:     position.Float(w.speed),
		Heading:   position.Float(w.heading),
		FixTime:   s.now().UTC(),
	}, nil
}

func (s *Sim) spawn() *walker {
	d := s.rng.Float64() * s.config.SpreadMeters
	h := s.rng.Float64() * 2 * math.Pi
	w := &walker{lat: s.config.OriginLat, lon: s.config.OriginLon}
	move(w, d, h)
	w.speed = 0
	w.heading = math.Round(h*180/math.Pi*10) / 10
	return w
}

// advance picks a speed band uniformly so stationary, walking and traveling
// subjects all show up, then moves the walker for one interval.
func (s *Sim) advance(w *walker) {
	switch s.rng.Intn(3) {
	case 0:
		w.speed = s.rng.Float64()
	case 1:
		w.speed = 1.1 + s.rng.Float64()*3.9
	default:
		w.speed = 5.1 + s.rng.Float64()*10
	}
	w.speed = math.Round(w.speed*100) / 100
	w.heading = math.Mod(w.heading+s.rng.NormFloat64()*30+360, 360)
	w.heading = math.Round(w.heading*10) / 10
	move(w, w.speed*s.config.Interval.Seconds(), w.heading*math.Pi/180)
}

func move(w *walker, meters, heading float64) {
	w.lat += meters * math.Cos(heading) / metersPerDegree
	w.lon += meters * math.Sin(heading) / (metersPerDegree * math.Cos(w.lat*math.Pi/180))
	if w.lat > 90 {
		w.lat = 90
	} else if w.lat < -90 {
		w.lat = -90
	}
	if w.lon > 180 {
		w.lon -= 360
	} else if w.lon < -180 {
		w.lon += 360
	}
}
