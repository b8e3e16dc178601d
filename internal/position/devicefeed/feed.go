package devicefeed

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/position"
)

// Feed exposes the devices of a Server as a position source.
type Feed struct {
	s   *Server
	log log.Logger
	now func() time.Time
}

func NewFeed(s *Server) *Feed {
	f := &Feed{s: s, now: time.Now}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "device-feed").Value()
	return f
}

func (f *Feed) Watch(subjectId string, opts position.Options, onSample func(position.Sample), onError func(error)) (position.Handle, error) {
	wd := position.NewWatchdog(opts.Timeout, func() { onError(position.ErrTimeout) })
	cancel := f.s.sublist.Subscribe(subjectId, func(ev event) {
		if ev.err != nil {
			onError(ev.err)
			return
		}
		wd.Kick()
		onSample(ev.sample)
	})
	f.applyMode(subjectId, opts)
	f.log.Debug().Str("subject_id", subjectId).Dur("timeout", opts.Timeout).Msg("watch opened")
	return position.OnceHandle(func() {
		cancel()
		wd.Stop()
		f.log.Debug().Str("subject_id", subjectId).Msg("watch cleared")
	}), nil
}

// Fetch returns a cached sample younger than MaximumAge or waits for the
// next one. It fails with ErrTimeout once Timeout or the ctx deadline passes.
func (f *Feed) Fetch(ctx context.Context, subjectId string, opts position.Options) (position.Sample, error) {
	if opts.MaximumAge > 0 {
		if dev, ok := f.s.Device(subjectId); ok {
			s, at, ok := dev.Last()
			if ok && f.now().Sub(at) <= opts.MaximumAge {
				return s, nil
			}
		}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ch := make(chan event, 1)
	unsubscribe := f.s.sublist.Subscribe(subjectId, func(ev event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer unsubscribe()
	f.applyMode(subjectId, opts)

	select {
	case ev := <-ch:
		if ev.err != nil {
			return position.Sample{}, ev.err
		}
		return ev.sample, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return position.Sample{}, position.ErrTimeout
		}
		return position.Sample{}, ctx.Err()
	}
}

func (f *Feed) applyMode(subjectId string, opts position.Options) {
	if !opts.HighAccuracy {
		return
	}
	dev, ok := f.s.Device(subjectId)
	if !ok || !dev.Connected() {
		return
	}
	if err := dev.SetMode(true); err != nil {
		f.log.Warn().Err(err).EmbedObject(dev).Msg("unable to request high accuracy")
	}
}
