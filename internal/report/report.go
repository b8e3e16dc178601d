package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"nuha.dev/fieldtrack/internal/telemetry"
)

const SheetName = "Telemetry"

// ExportFilename names an export produced at now, e.g.
// field_telemetry_2026-10-18.csv.
func ExportFilename(ext string, now time.Time) string {
	return "field_telemetry_" + now.Format("2006-01-02") + "." + strings.TrimPrefix(ext, ".")
}

// WriteWorkbook writes locs as an XLSX workbook with the same columns as
// the CSV export.
func WriteWorkbook(w io.Writer, locs []telemetry.TrackedLocation) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return err
	}
	header := strings.Split(telemetry.CsvHeader, ",")
	row := make([]interface{}, len(header))
	for i, h := range header {
		row[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &row); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetRowStyle(SheetName, 1, 1, bold); err != nil {
		return err
	}

	for i, l := range locs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []interface{}{
			l.SubjectId,
			l.SubjectName,
			l.Latitude,
			l.Longitude,
			l.PlaceLabel,
			string(l.Activity),
			telemetry.FormatTimestamp(l.CapturedAt),
			l.AccuracyMeters,
			optional(l.SpeedMetersPerSecond),
			optional(l.HeadingDegrees),
		}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(SheetName, "A", "J", 16); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetName, "E", "E", 32); err != nil {
		return err
	}
	_, err = f.WriteTo(w)
	return err
}

func optional(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
