package devicefeed

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/position"
	"nuha.dev/fieldtrack/internal/stat"
	"nuha.dev/fieldtrack/internal/sublist"
)

type runningState int

const (
	created runningState = iota
	running
	paused
	stopped
)

var errDeviceStopped = errors.New("device stopped")

// event is what a device fans out to watchers, either a sample or an error.
type event struct {
	sample position.Sample
	err    error
	at     time.Time
}

type Device struct {
	subjectId   string
	subjectName string
	deviceType  string
	c           *Conn
	c_next      *Conn
	log         log.Logger
	msg         FrameMessage
	sublist     *sublist.SublistMap[event]
	stat        *stat.Stat
	runningState
	rs_mu sync.Mutex

	last_mu   sync.Mutex
	last      position.Sample
	last_time time.Time
	has_last  bool
	status    StatusMessage
}

func NewDevice(c *Conn, login *LoginMessage, sublist *sublist.SublistMap[event], st *stat.Stat) *Device {
	d := &Device{c: c}
	d.subjectId = login.SubjectId
	d.subjectName = login.SubjectName
	d.deviceType = login.DeviceType
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "device").Str("subject_id", login.SubjectId).Value()
	d.runningState = created
	d.msg.Buffer = make([]byte, 4096)
	d.sublist = sublist
	d.stat = st
	return d
}

func (d *Device) MarshalObject(e *log.Entry) {
	e.Str("subject_id", d.subjectId).Str("device_type", d.deviceType)
}

func (d *Device) ReplaceConn(c *Conn, login *LoginMessage) {
	d.rs_mu.Lock()
	defer d.rs_mu.Unlock()
	if login.SubjectName != "" {
		d.subjectName = login.SubjectName
	}
	switch d.runningState {
	case running:
		if d.c_next != nil {
			d.c_next.Close()
		}
		d.c_next = c
		d.c.Close()
	case paused:
		d.c = c
		d.runningState = running
		go d._run()
	default:
		c.Close()
	}
}

func (d *Device) Run() {
	d.rs_mu.Lock()
	d.runningState = running
	d.rs_mu.Unlock()
	go d._run()
}

// Stop closes the current connection for good. Later logins for the same
// subject create a new device.
func (d *Device) Stop() {
	d.rs_mu.Lock()
	defer d.rs_mu.Unlock()
	d.runningState = stopped
	if d.c_next != nil {
		d.c_next.Close()
		d.c_next = nil
	}
	d.c.Close()
}

func (d *Device) Connected() bool {
	d.rs_mu.Lock()
	defer d.rs_mu.Unlock()
	return d.runningState == running
}

func (d *Device) SubjectName() string {
	d.rs_mu.Lock()
	defer d.rs_mu.Unlock()
	return d.subjectName
}

// SetMode asks the device to switch its positioning mode.
func (d *Device) SetMode(highAccuracy bool) error {
	d.rs_mu.Lock()
	c := d.c
	state := d.runningState
	d.rs_mu.Unlock()
	if state != running {
		return errDeviceStopped
	}
	payload, err := json.Marshal(SetModeMessage{HighAccuracy: highAccuracy})
	if err != nil {
		return err
	}
	return c.WriteFrame(SET_MODE, payload)
}

// Last returns the newest sample and when it was received.
func (d *Device) Last() (position.Sample, time.Time, bool) {
	d.last_mu.Lock()
	defer d.last_mu.Unlock()
	return d.last, d.last_time, d.has_last
}

func (d *Device) Status() StatusMessage {
	d.last_mu.Lock()
	defer d.last_mu.Unlock()
	return d.status
}

func (d *Device) _run() {
	for {
		d.run()
		d.rs_mu.Lock()
		if d.c_next != nil && d.runningState == running {
			d.c = d.c_next
			d.c_next = nil
			d.rs_mu.Unlock()
			d.log.Info().EmbedObject(d.c).Msg("continuing on replacement connection")
			continue
		}
		if d.runningState == running {
			d.runningState = paused
		}
		d.rs_mu.Unlock()
		break
	}
}

func (d *Device) run() {
	d.rs_mu.Lock()
	c := d.c
	d.rs_mu.Unlock()
	for {
		err := ReadMessage(c, &d.msg)
		if err != nil {
			d.log.Info().Err(err).EmbedObject(c).Msg("connection ended")
			c.Close()
			d.stat.DisconnectEv(time.Now())
			return
		}
		tread := time.Now().UTC()
		switch d.msg.Protocol {
		case LOCATION_UPDATE:
			var loc LocationMessage
			err = json.Unmarshal(d.msg.Payload, &loc)
			if err != nil {
				d.log.Error().Err(err).EmbedObject(c).Msg("error parsing location data")
				continue
			}
			s := loc.Sample()
			if s.FixTime.IsZero() {
				s.FixTime = tread
			}
			d.last_mu.Lock()
			d.last = s
			d.last_time = tread
			d.has_last = true
			d.last_mu.Unlock()
			d.stat.CounterIncr(1, tread)
			d.sublist.Send(d.subjectId, event{sample: s, at: tread})

		case GPS_ERROR:
			var em ErrorMessage
			err = json.Unmarshal(d.msg.Payload, &em)
			if err != nil {
				d.log.Error().Err(err).EmbedObject(c).Msg("error parsing gps error")
				continue
			}
			d.log.Warn().Int("code", em.Code).Str("message", em.Message).Msg("device reported gps error")
			d.sublist.Send(d.subjectId, event{err: em.Err(), at: tread})

		case STATUS:
			var st StatusMessage
			err = json.Unmarshal(d.msg.Payload, &st)
			if err != nil {
				d.log.Error().Err(err).EmbedObject(c).Msg("error parsing status data")
				continue
			}
			d.last_mu.Lock()
			d.status = st
			d.last_mu.Unlock()

		default:
			d.log.Warn().EmbedObject(c).Msgf("ignoring message type %x", d.msg.Protocol)
		}
	}
}
