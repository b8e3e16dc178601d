package devicefeed

import (
	"fmt"
	"time"

	"nuha.dev/fieldtrack/internal/position"
)

const (
	LOGIN           byte = 0x01
	LOCATION_UPDATE byte = 0x02
	GPS_ERROR       byte = 0x04
	STATUS          byte = 0x06
	SET_MODE        byte = 0x07
)

const DEVICE_SIMPLEJSON = "simplejson"

type LoginMessage struct {
	SubjectId   string `json:"subject_id" validate:"required,max=64"`
	SubjectName string `json:"subject_name" validate:"max=128"`
	DeviceType  string `json:"device_type"`
}

type LocationMessage struct {
	GpsTime   time.Time `json:"gps_time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

func (m *LocationMessage) Sample() position.Sample {
	return position.Sample{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Accuracy:  m.Accuracy,
		Speed:     m.Speed,
		Heading:   m.Heading,
		FixTime:   m.GpsTime,
	}
}

// error codes follow the geolocation PositionError numbering
const (
	CODE_PERMISSION_DENIED    = 1
	CODE_POSITION_UNAVAILABLE = 2
	CODE_TIMEOUT              = 3
)

type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m *ErrorMessage) Err() error {
	var base error
	switch m.Code {
	case CODE_PERMISSION_DENIED:
		base = position.ErrPermissionDenied
	case CODE_TIMEOUT:
		base = position.ErrTimeout
	default:
		base = position.ErrPositionUnavailable
	}
	if m.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, m.Message)
}

type StatusMessage struct {
	GpsStatus bool    `json:"gps_status"`
	Battery   float64 `json:"battery,omitempty"`
}

type SetModeMessage struct {
	HighAccuracy bool `json:"high_accuracy"`
}
