package natsfeed

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
)

// Transport is the subset of a NATS connection the feed needs.
type Transport interface {
	Subscribe(subject string, cb func(data []byte)) (unsubscribe func() error, err error)
	Publish(subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

type natsTransport struct {
	nc *nats.Conn
}

func NewTransport(nc *nats.Conn) Transport {
	return &natsTransport{nc: nc}
}

// Connect dials url and keeps reconnecting forever.
func Connect(url, name string) (*nats.Conn, error) {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "nats").Value()
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
	)
}

func (t *natsTransport) Subscribe(subject string, cb func(data []byte)) (func() error, error) {
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) { cb(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	return t.nc.Publish(subject, data)
}

func (t *natsTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	m, err := t.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return m.Data, nil
}

// Token makes s usable as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
