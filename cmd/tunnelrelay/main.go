package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"time"

	yamux "github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

var eaddr = flag.String("eaddr", ":5555", "address devices connect to")
var taddr = flag.String("taddr", ":5556", "address the fieldtrack device server dials in on")
var secret = flag.String("token", "token", "token for tunnel auth connection")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file")

var logger log.Logger

func main() {
	flag.Parse()
	logger = log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "tunnelrelay").Value()
	logger.Info().Str("eaddr", *eaddr).Str("taddr", *taddr).Msg("starting")

	ylistener, err := tunnel_listener()
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to listen for tunnel")
	}
	for {
		yconn, err := ylistener.Accept()
		if err != nil {
			logger.Error().Err(err).Msg("accept tunnel")
			time.Sleep(time.Second)
			continue
		}
		logger.Info().Str("remote", yconn.RemoteAddr().String()).Msg("tunnel connection")
		run_session(yconn)
		logger.Info().Msg("tunnel session ended, waiting for a new one")
	}
}

func tunnel_listener() (net.Listener, error) {
	if *certfile == "" && *keyfile == "" {
		return net.Listen("tcp", *taddr)
	}
	cert, err := tls.LoadX509KeyPair(*certfile, *keyfile)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
}

// run_session serves one tunnel until it breaks. Device connections accepted
// meanwhile are forwarded as streams prefixed with "<remote addr>\n".
func run_session(yconn net.Conn) {
	defer yconn.Close()
	_ = yconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	token := make([]byte, 256)
	n, err := yconn.Read(token)
	if err != nil {
		logger.Error().Err(err).Msg("reading tunnel token")
		return
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if *secret != string(token[:n]) {
		_, _ = yconn.Write([]byte{'-'})
		logger.Warn().Str("remote", yconn.RemoteAddr().String()).Msg("rejected tunnel token")
		return
	}
	_, _ = yconn.Write([]byte{'+'})

	session, err := yamux.Server(yconn, nil)
	if err != nil {
		logger.Error().Err(err).Msg("creating yamux server")
		return
	}
	defer session.Close()

	listener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		logger.Error().Err(err).Msg("unable to listen for devices")
		return
	}
	go func() {
		<-session.CloseChan()
		listener.Close()
	}()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !session.IsClosed() {
				logger.Error().Err(err).Msg("accept device")
			}
			return
		}
		go forward(session, conn)
	}
}

func forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		logger.Error().Err(err).Msg("open stream")
		return
	}
	defer tstream.Close()
	logger.Debug().Uint32("stream_id", tstream.StreamID()).Str("remote", conn.RemoteAddr().String()).Msg("forwarding")
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr()); err != nil {
			return
		}
		_, _ = io.Copy(tstream, conn)
		tstream.Close()
	}()
	_, _ = io.Copy(conn, tstream)
	conn.Close()
	<-done
}
