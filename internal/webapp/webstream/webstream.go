package webstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/speps/go-hashids/v2"
	"nhooyr.io/websocket"

	"nuha.dev/fieldtrack/internal/telemetry"
)

const CLIENT_ID_HEADER = "X-Client-Id"

// Source is the part of the tracker the stream reads from.
type Source interface {
	Subscribe(fn func([]telemetry.TrackedLocation)) func()
	GetAllLocations() []telemetry.TrackedLocation
}

type WebStreamConfig struct {
	ListenAddr string
	// Salt of the hashids encoding of client ids.
	Salt         string
	WriteTimeout time.Duration
}

// Frame is one websocket message: the full set of tracked locations.
type Frame struct {
	Seq       uint64                      `json:"seq"`
	Locations []telemetry.TrackedLocation `json:"locations"`
}

type WebstreamServer struct {
	mu      sync.Mutex
	server  *http.Server
	log     log.Logger
	config  WebStreamConfig
	hd      *hashids.HashID
	counter int64
	seq     uint64
	last    []byte
	clients map[string]*WebstreamClient
	cancel  func()
	closed  bool
}

func NewWebstream(src Source, config WebStreamConfig) (*WebstreamServer, error) {
	hd := hashids.NewData()
	hd.Salt = config.Salt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	o := &WebstreamServer{config: config, hd: h}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	o.clients = make(map[string]*WebstreamClient)
	// no read or write timeout, they would cut hijacked connections
	o.server = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           http.HandlerFunc(o.serve_http),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	o.cancel = src.Subscribe(o.broadcast)
	o.mu.Lock()
	if o.last == nil {
		o.seq++
		o.last, err = json.Marshal(Frame{Seq: o.seq, Locations: src.GetAllLocations()})
	}
	o.mu.Unlock()
	if err != nil {
		o.cancel()
		return nil, err
	}
	return o, nil
}

func (ws *WebstreamServer) Run() error {
	ws.log.Info().Msgf("starting ws-server on : %s", ws.server.Addr)
	err := ws.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		ws.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (ws *WebstreamServer) broadcast(locs []telemetry.TrackedLocation) {
	ws.mu.Lock()
	ws.seq++
	seq := ws.seq
	frame, err := json.Marshal(Frame{Seq: seq, Locations: locs})
	if err != nil {
		ws.mu.Unlock()
		ws.log.Error().Err(err).Msg("unable to encode snapshot")
		return
	}
	ws.last = frame
	clients := make([]*WebstreamClient, 0, len(ws.clients))
	for _, c := range ws.clients {
		clients = append(clients, c)
	}
	ws.mu.Unlock()
	for _, c := range clients {
		c.Push(seq, frame)
	}
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws.serve_http(w, r)
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	id, err := ws.hd.EncodeInt64([]int64{atomic.AddInt64(&ws.counter, 1)})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set(CLIENT_ID_HEADER, id)
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("Error while upgrading websocket")
		return
	}

	wc := &WebstreamClient{id: id, srv: ws, c: c, log: ws.log}
	wc.notify = make(chan struct{}, 1)

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		c.Close(websocket.StatusGoingAway, "server closing")
		return
	}
	ws.clients[id] = wc
	// the last broadcast frame, so a broadcast still in flight is newer
	wc.Push(ws.seq, ws.last)
	ws.mu.Unlock()
	ws.log.Info().Str("client_id", id).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	ctx := wc.c.CloseRead(r.Context())
	wc.writeLoop(ctx)

	ws.mu.Lock()
	delete(ws.clients, id)
	ws.mu.Unlock()
	ws.log.Info().Str("client_id", id).Uint64("dropped", atomic.LoadUint64(&wc.dropped)).Msg("websocket client gone")
}

func (ws *WebstreamServer) Clients() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

// Close stops following the tracker and disconnects every client.
func (ws *WebstreamServer) Close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	clients := make([]*WebstreamClient, 0, len(ws.clients))
	for _, c := range ws.clients {
		clients = append(clients, c)
	}
	ws.mu.Unlock()
	ws.cancel()
	_ = ws.server.Close()
	for _, c := range clients {
		c.c.Close(websocket.StatusGoingAway, "server closing")
	}
}

// WebstreamClient holds at most one unsent frame. A newer frame replaces an
// unsent older one.
type WebstreamClient struct {
	lock    sync.Mutex
	id      string
	srv     *WebstreamServer
	c       *websocket.Conn
	log     log.Logger
	pending []byte
	seq     uint64
	notify  chan struct{}
	dropped uint64
}

// Push queues data unless a frame with a higher seq was already queued.
func (wc *WebstreamClient) Push(seq uint64, data []byte) {
	wc.lock.Lock()
	if seq <= wc.seq {
		wc.lock.Unlock()
		return
	}
	if wc.pending != nil {
		atomic.AddUint64(&wc.dropped, 1)
	}
	wc.pending = data
	wc.seq = seq
	wc.lock.Unlock()
	select {
	case wc.notify <- struct{}{}:
	default:
	}
}

func (wc *WebstreamClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			wc.c.Close(websocket.StatusNormalClosure, "")
			return
		case <-wc.notify:
		}
		wc.lock.Lock()
		data := wc.pending
		wc.pending = nil
		wc.lock.Unlock()
		if data == nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, wc.srv.config.WriteTimeout)
		err := wc.c.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				wc.log.Error().Err(err).Str("client_id", wc.id).Msg("Error while writing to connection")
			}
			wc.c.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}
