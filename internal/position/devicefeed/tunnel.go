package devicefeed

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
)

var (
	errNoTunnel       = errors.New("tunnel not configured")
	errTunnelRejected = errors.New("tunnel rejected token")
)

// RunTunnel dials the public tunnel endpoint and serves every stream it
// opens as a device connection. It redials until ctx is done.
func (s *Server) RunTunnel(ctx context.Context) error {
	if s.config.TunnelAddr == "" {
		return errNoTunnel
	}
	for {
		t0 := time.Now()
		err := s.runTunnelOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errTunnelRejected) {
			return err
		}
		s.log.Error().Err(err).Str("tunnel", s.config.TunnelAddr).Msg("tunnel session ended")
		wait := 5 * time.Second
		if time.Since(t0) > 10*time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *Server) runTunnelOnce(ctx context.Context) error {
	s.log.Info().Msgf("dialling tunnel %s", s.config.TunnelAddr)
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", s.config.TunnelAddr)
	if err != nil {
		return err
	}
	if err = tunnel_handshake(yconn, s.config.TunnelToken); err != nil {
		yconn.Close()
		return err
	}
	s.log.Info().Msg("tunnel accepted")

	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()
	defer session.Close()

	for {
		tconn, err := session.Accept()
		if err != nil {
			return err
		}
		cid := atomic.AddUint64(&s.cid_counter, 1)
		go func() {
			r := bufio.NewReader(tconn)
			_ = tconn.SetReadDeadline(time.Now().Add(s.config.LoginTimeout))
			raddr, err := r.ReadString('\n')
			if err != nil {
				s.log.Error().Err(err).Msg("unable to read tunneled remote address")
				tconn.Close()
				return
			}
			c := newConn(tconn, r, cid, strings.TrimSpace(raddr))
			s.stat.ConnectEv(time.Now())
			s.log.Info().Str("event", NEW_CONNECTION).Bool("tunnel", true).EmbedObject(c).Msg("")
			s.newLoginHandler(c).handle()
		}()
	}
}

func tunnel_handshake(c net.Conn, token string) error {
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	defer c.SetDeadline(time.Time{})
	if _, err := c.Write([]byte(token)); err != nil {
		return err
	}
	status := []byte{0}
	if _, err := c.Read(status); err != nil {
		return err
	}
	if status[0] != '+' {
		return errTunnelRejected
	}
	return nil
}
