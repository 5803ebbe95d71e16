// Package index records every written patch, both as a CSV artifact shipped
// next to the patches and in a SQLite catalog queryable across runs.
package index

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"ctcubes/internal/models"
)

// csvColumns is the fixed column order of the patch index artifact.
var csvColumns = []string{
	"patch_id",
	"source_volume_id",
	"diameter_mm",
	"center_x_mm",
	"center_y_mm",
	"center_z_mm",
}

// WriteCSV writes the patch index with one row per patch, preceded by a
// header row. Coordinates are the annotation centers in world millimeters.
func WriteCSV(w io.Writer, records []models.PatchRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.PatchID,
			rec.VolumeID,
			formatMM(rec.Diameter),
			formatMM(rec.Center.X),
			formatMM(rec.Center.Y),
			formatMM(rec.Center.Z),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses an index artifact written by WriteCSV.
func ReadCSV(r io.Reader) ([]models.PatchRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvColumns)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse patch index: %v", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("patch index is empty")
	}
	if rows[0][0] != csvColumns[0] {
		return nil, fmt.Errorf("patch index is missing its header row")
	}

	records := make([]models.PatchRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		var rec models.PatchRecord
		rec.PatchID = row[0]
		rec.VolumeID = row[1]
		var vals [4]float64
		for j := 0; j < 4; j++ {
			v, err := strconv.ParseFloat(row[j+2], 64)
			if err != nil {
				return nil, fmt.Errorf("patch index row %d: bad number %q", i+2, row[j+2])
			}
			vals[j] = v
		}
		rec.Diameter = vals[0]
		rec.Center = models.WorldPoint{X: vals[1], Y: vals[2], Z: vals[3]}
		records = append(records, rec)
	}
	return records, nil
}

func formatMM(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
