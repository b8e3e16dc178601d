package telemetry

import (
	"strconv"
	"strings"
	"time"
)

const CsvHeader = "Employee ID,Name,Latitude,Longitude,Location,Activity,Timestamp,Accuracy,Speed,Heading"

const TimestampLayout = "2006-01-02T15:04:05.000Z"

// CsvRow renders one location in CsvHeader order.
func CsvRow(l TrackedLocation) string {
	var b strings.Builder
	b.WriteString(l.SubjectId)
	b.WriteByte(',')
	b.WriteString(l.SubjectName)
	b.WriteByte(',')
	b.WriteString(FormatNumber(l.Latitude))
	b.WriteByte(',')
	b.WriteString(FormatNumber(l.Longitude))
	b.WriteByte(',')
	b.WriteByte('"')
	b.WriteString(strings.ReplaceAll(l.PlaceLabel, `"`, `""`))
	b.WriteByte('"')
	b.WriteByte(',')
	b.WriteString(string(l.Activity))
	b.WriteByte(',')
	b.WriteString(FormatTimestamp(l.CapturedAt))
	b.WriteByte(',')
	b.WriteString(FormatNumber(l.AccuracyMeters))
	b.WriteByte(',')
	if l.SpeedMetersPerSecond != nil {
		b.WriteString(FormatNumber(*l.SpeedMetersPerSecond))
	}
	b.WriteByte(',')
	if l.HeadingDegrees != nil {
		b.WriteString(FormatNumber(*l.HeadingDegrees))
	}
	return b.String()
}

// Csv renders the header followed by one row per location, without a
// trailing newline.
func Csv(locs []TrackedLocation) string {
	lines := make([]string, 0, len(locs)+1)
	lines = append(lines, CsvHeader)
	for _, l := range locs {
		lines = append(lines, CsvRow(l))
	}
	return strings.Join(lines, "\n")
}

func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
