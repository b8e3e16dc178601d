package natsfeed

import (
	"context"
	"encoding/json"

	"nuha.dev/fieldtrack/internal/telemetry"
)

// Publisher republishes tracker changes for other services.
type Publisher struct {
	t      Transport
	prefix string
}

func NewPublisher(t Transport, prefix string) *Publisher {
	return &Publisher{t: t, prefix: prefix}
}

func (p *Publisher) LocationUpdated(ctx context.Context, loc telemetry.TrackedLocation) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return p.t.Publish(p.prefix+".telemetry."+Token(loc.SubjectId), b)
}

func (p *Publisher) LocationRemoved(ctx context.Context, subjectId string) error {
	b, err := json.Marshal(map[string]string{"subject_id": subjectId})
	if err != nil {
		return err
	}
	return p.t.Publish(p.prefix+".telemetry."+Token(subjectId)+".removed", b)
}
