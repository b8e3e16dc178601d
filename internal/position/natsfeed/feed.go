package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/position"
	"nuha.dev/fieldtrack/internal/position/devicefeed"
)

type LocateRequest struct {
	HighAccuracy bool  `json:"high_accuracy"`
	MaximumAgeMs int64 `json:"maximum_age_ms"`
}

type LocateReply struct {
	Sample *position.Sample         `json:"sample,omitempty"`
	Error  *devicefeed.ErrorMessage `json:"error,omitempty"`
}

// Feed reads positions published by agents on NATS.
//
//	<prefix>.<subject>.location  position.Sample
//	<prefix>.<subject>.error     {code, message}
//	<prefix>.<subject>.locate    request/reply, LocateRequest -> LocateReply
type Feed struct {
	t      Transport
	prefix string
	log    log.Logger
}

func NewFeed(t Transport, prefix string) *Feed {
	f := &Feed{t: t, prefix: prefix}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "nats-feed").Value()
	return f
}

func (f *Feed) subject(subjectId, kind string) string {
	return f.prefix + "." + Token(subjectId) + "." + kind
}

func (f *Feed) Watch(subjectId string, opts position.Options, onSample func(position.Sample), onError func(error)) (position.Handle, error) {
	wd := position.NewWatchdog(opts.Timeout, func() { onError(position.ErrTimeout) })
	unsubLoc, err := f.t.Subscribe(f.subject(subjectId, "location"), func(data []byte) {
		var s position.Sample
		if err := json.Unmarshal(data, &s); err != nil {
			f.log.Error().Err(err).Str("subject_id", subjectId).Msg("bad location payload")
			return
		}
		wd.Kick()
		onSample(s)
	})
	if err != nil {
		wd.Stop()
		return nil, fmt.Errorf("subscribe location: %w", err)
	}
	unsubErr, err := f.t.Subscribe(f.subject(subjectId, "error"), func(data []byte) {
		var em devicefeed.ErrorMessage
		if err := json.Unmarshal(data, &em); err != nil {
			f.log.Error().Err(err).Str("subject_id", subjectId).Msg("bad error payload")
			return
		}
		onError(em.Err())
	})
	if err != nil {
		unsubLoc()
		wd.Stop()
		return nil, fmt.Errorf("subscribe error: %w", err)
	}
	return position.OnceHandle(func() {
		wd.Stop()
		if err := unsubLoc(); err != nil {
			f.log.Warn().Err(err).Str("subject_id", subjectId).Msg("unsubscribe failed")
		}
		if err := unsubErr(); err != nil {
			f.log.Warn().Err(err).Str("subject_id", subjectId).Msg("unsubscribe failed")
		}
	}), nil
}

func (f *Feed) Fetch(ctx context.Context, subjectId string, opts position.Options) (position.Sample, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	req, err := json.Marshal(LocateRequest{HighAccuracy: opts.HighAccuracy, MaximumAgeMs: opts.MaximumAge.Milliseconds()})
	if err != nil {
		return position.Sample{}, err
	}
	data, err := f.t.Request(ctx, f.subject(subjectId, "locate"), req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return position.Sample{}, position.ErrTimeout
		case errors.Is(err, nats.ErrNoResponders):
			return position.Sample{}, fmt.Errorf("%w: no agent for %s", position.ErrPositionUnavailable, subjectId)
		}
		return position.Sample{}, err
	}
	var reply LocateReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return position.Sample{}, fmt.Errorf("%w: bad locate reply: %v", position.ErrPositionUnavailable, err)
	}
	if reply.Error != nil {
		return position.Sample{}, reply.Error.Err()
	}
	if reply.Sample == nil {
		return position.Sample{}, position.ErrPositionUnavailable
	}
	return *reply.Sample, nil
}
