package devicefeed

import (
	"encoding/json"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/fieldtrack/internal/stat"
	"nuha.dev/fieldtrack/internal/sublist"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	NEW_DEVICE_CREATED  string = "new_device_created"
	DEVICE_REPLACED     string = "device_replaced"
)

type Config struct {
	ListenerAddr string
	LoginTimeout time.Duration
	TunnelAddr   string
	TunnelToken  string
}

type DeviceList struct {
	mu   sync.Mutex
	list map[string]*Device
}

func (l *DeviceList) get(subjectId string) (*Device, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.list[subjectId]
	return d, ok
}

type DeviceInfo struct {
	SubjectId   string    `json:"subject_id"`
	SubjectName string    `json:"subject_name"`
	DeviceType  string    `json:"device_type"`
	Connected   bool      `json:"connected"`
	LastSample  time.Time `json:"last_sample,omitempty"`
	GpsStatus   bool      `json:"gps_status"`
}

type Server struct {
	mu          sync.Mutex
	log         log.Logger
	config      *Config
	validate    *validator.Validate
	cid_counter uint64
	listener    net.Listener
	closed      bool
	device_list *DeviceList
	sublist     *sublist.SublistMap[event]
	stat        *stat.Stat
}

func NewServer(config *Config) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "device-server").Value()
	s.config = config
	if s.config.LoginTimeout <= 0 {
		s.config.LoginTimeout = 2 * time.Second
	}
	s.validate = validator.New()
	s.device_list = &DeviceList{list: make(map[string]*Device)}
	s.sublist = sublist.NewSublistMap[event]()
	s.stat = stat.NewStat(time.Minute)
	return s
}

// Run listens on ListenerAddr and serves until Close.
func (s *Server) Run() error {
	s.log.Info().Msgf("starting device server on %s", s.config.ListenerAddr)
	ln, err := net.Listen("tcp", s.config.ListenerAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to listen")
		return err
	}
	return s.Serve(ln)
}

// Serve accepts device connections from ln. PROXY protocol headers are
// honoured when present.
func (s *Server) Serve(ln net.Listener) error {
	pln := &proxyproto.Listener{Listener: ln}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = pln
	s.mu.Unlock()

	for {
		_c, err := pln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			pln.Close()
			if closed {
				return nil
			}
			s.log.Error().Err(err).Msg("failed to accept new connection")
			return err
		}
		c := NewConn(_c, atomic.AddUint64(&s.cid_counter, 1))
		s.stat.ConnectEv(time.Now())
		s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		go s.newLoginHandler(c).handle()
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	s.device_list.mu.Lock()
	for _, d := range s.device_list.list {
		d.Stop()
	}
	s.device_list.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Stat reports sample throughput and connection events of all devices.
func (s *Server) Stat() stat.Snapshot {
	return s.stat.Snapshot()
}

func (s *Server) Device(subjectId string) (*Device, bool) {
	return s.device_list.get(subjectId)
}

func (s *Server) Devices() []DeviceInfo {
	s.device_list.mu.Lock()
	devs := make([]*Device, 0, len(s.device_list.list))
	for _, d := range s.device_list.list {
		devs = append(devs, d)
	}
	s.device_list.mu.Unlock()

	res := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		_, at, _ := d.Last()
		res = append(res, DeviceInfo{
			SubjectId:   d.subjectId,
			SubjectName: d.SubjectName(),
			DeviceType:  d.deviceType,
			Connected:   d.Connected(),
			LastSample:  at,
			GpsStatus:   d.Status().GpsStatus,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SubjectId < res[j].SubjectId })
	return res
}

// PurgeDevice disconnects a device and forgets it.
func (s *Server) PurgeDevice(subjectId string) bool {
	s.device_list.mu.Lock()
	d, ok := s.device_list.list[subjectId]
	if ok {
		delete(s.device_list.list, subjectId)
	}
	s.device_list.mu.Unlock()
	if !ok {
		return false
	}
	d.Stop()
	return true
}

type LoginHandler struct {
	s           *Server
	c           *Conn
	device_type string
}

func (s *Server) newLoginHandler(c *Conn) *LoginHandler {
	return &LoginHandler{s: s, c: c}
}

func (h *LoginHandler) MarshalObject(e *log.Entry) {
	e.EmbedObject(h.c).Str("device_type", h.device_type)
}

func (h *LoginHandler) handle() {
	_ = h.c.SetReadDeadline(time.Now().Add(h.s.config.LoginTimeout))
	b, err := h.c.Peek(1)
	if err != nil {
		h.s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h.c).Msg("error peeking from connection, will close")
		h.c.Close()
		return
	}
	if b[0] != FRAME_START {
		h.s.log.Error().Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h.c).Msgf("unknown protocol, first byte %x", b[0])
		h.c.Close()
		return
	}
	h.device_type = DEVICE_SIMPLEJSON
	h.handleAsSimpleJson()
}

func (h *LoginHandler) handleAsSimpleJson() {
	msg := FrameMessage{}
	msg.Buffer = make([]byte, 512)
	err := ReadMessage(h.c, &msg)
	if err != nil {
		h.s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h).Msg("error reading login message")
		h.c.Close()
		return
	}
	_ = h.c.SetReadDeadline(time.Time{})
	if msg.Protocol != LOGIN {
		h.s.log.Error().EmbedObject(h).Str("event", LOGIN_MESSAGE_ERROR).Msgf("message type is not login, type : %x", msg.Protocol)
		h.c.Close()
		return
	}
	login := LoginMessage{}
	if err = json.Unmarshal(msg.Payload, &login); err == nil {
		err = h.s.validate.Struct(login)
	}
	if err != nil {
		h.s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h).Msg("error parsing login message")
		h.c.Close()
		return
	}
	if login.DeviceType == "" {
		login.DeviceType = h.device_type
	}
	h.s.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(h).Str("subject_id", login.SubjectId).Msg("")
	h.s.stat.LoginEv(time.Now())

	h.s.mu.Lock()
	closed := h.s.closed
	h.s.mu.Unlock()
	if closed {
		h.c.Close()
		return
	}

	h.s.device_list.mu.Lock()
	defer h.s.device_list.mu.Unlock()
	if dev, ok := h.s.device_list.list[login.SubjectId]; ok {
		h.s.log.Info().Str("event", DEVICE_REPLACED).EmbedObject(h).EmbedObject(dev).Msg("replacing older connection")
		dev.ReplaceConn(h.c, &login)
		return
	}
	dev := NewDevice(h.c, &login, h.s.sublist, h.s.stat)
	dev.Run()
	h.s.device_list.list[login.SubjectId] = dev
	h.s.log.Info().Str("event", NEW_DEVICE_CREATED).EmbedObject(h).EmbedObject(dev).Msg("")
}
