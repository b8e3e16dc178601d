package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/position"
	"nuha.dev/fieldtrack/internal/position/devicefeed"
	"nuha.dev/fieldtrack/internal/position/simfeed"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5555", "device server address")
	subject := flag.String("subject", "EMP-084", "subject id sent in the login frame")
	name := flag.String("name", "Robert Fox", "subject name sent in the login frame")
	interval := flag.Duration("interval", 5*time.Second, "time between location frames")
	count := flag.Int("count", 0, "number of location frames, 0 for unlimited")
	errRate := flag.Float64("error_rate", 0, "chance of sending a gps error frame instead of a location")
	seed := flag.Int64("seed", 0, "random walk seed, 0 for time based")
	flag.Parse()

	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "fakedevice").Str("subject_id", *subject).Value()

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect")
	}
	defer c.Close()
	if err := send(c, devicefeed.LOGIN, devicefeed.LoginMessage{SubjectId: *subject, SubjectName: *name, DeviceType: "fakedevice"}); err != nil {
		logger.Fatal().Err(err).Msg("unable to send login")
	}
	logger.Info().Str("addr", *addr).Msg("logged in")

	go read_loop(c, logger)

	sim := simfeed.New(&simfeed.Config{Seed: *seed})
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	highAccuracy := true
	for i := 0; *count == 0 || i < *count; i++ {
		if *errRate > 0 && rng.Float64() < *errRate {
			err = send(c, devicefeed.GPS_ERROR, devicefeed.ErrorMessage{Code: devicefeed.CODE_POSITION_UNAVAILABLE, Message: "no fix"})
		} else {
			var s position.Sample
			s, err = sim.Fetch(context.Background(), *subject, position.Options{HighAccuracy: highAccuracy})
			if err == nil {
				err = send(c, devicefeed.LOCATION_UPDATE, devicefeed.LocationMessage{
					GpsTime:   s.FixTime,
					Latitude:  s.Latitude,
					Longitude: s.Longitude,
					Accuracy:  s.Accuracy,
					Speed:     s.Speed,
					Heading:   s.Heading,
				})
			}
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to send frame")
		}
		time.Sleep(*interval)
	}
}

func send(c net.Conn, protocol byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return devicefeed.WriteMessage(c, protocol, b)
}

func read_loop(c net.Conn, logger log.Logger) {
	msg := devicefeed.FrameMessage{Buffer: make([]byte, 512)}
	for {
		err := devicefeed.ReadMessage(c, &msg)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error().Err(err).Msg("read failed")
			}
			return
		}
		if msg.Protocol != devicefeed.SET_MODE {
			logger.Warn().Msgf("ignoring message type %x", msg.Protocol)
			continue
		}
		var m devicefeed.SetModeMessage
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			logger.Error().Err(err).Msg("bad set mode payload")
			continue
		}
		logger.Info().Bool("high_accuracy", m.HighAccuracy).Msg("server changed mode")
	}
}
