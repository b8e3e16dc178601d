package telemetry

import (
	"fmt"
	"math"
	"strings"
)

// CoordinatesText lists every location as "name: lat, lon" with six
// decimals, one per line.
func CoordinatesText(locs []TrackedLocation) string {
	lines := make([]string, 0, len(locs))
	for _, l := range locs {
		lines = append(lines, fmt.Sprintf("%s: %.6f, %.6f", l.SubjectName, l.Latitude, l.Longitude))
	}
	return strings.Join(lines, "\n")
}

// SummaryText renders one block per location, blocks separated by a blank
// line.
func SummaryText(locs []TrackedLocation) string {
	blocks := make([]string, 0, len(locs))
	for _, l := range locs {
		var b strings.Builder
		fmt.Fprintf(&b, "%s (%s):\n", l.SubjectName, l.SubjectId)
		fmt.Fprintf(&b, "  Location: %s\n", l.PlaceLabel)
		fmt.Fprintf(&b, "  Coordinates: %.6f, %.6f\n", l.Latitude, l.Longitude)
		fmt.Fprintf(&b, "  Accuracy: ±%dm\n", int64(math.Round(l.AccuracyMeters)))
		fmt.Fprintf(&b, "  Activity: %s\n", l.Activity)
		fmt.Fprintf(&b, "  Speed: %s", SpeedKmh(l))
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}
