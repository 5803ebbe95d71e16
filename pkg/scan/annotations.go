package scan

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ctcubes/internal/models"
)

// ReadAnnotations loads nodule annotations from a CSV file with the columns
// seriesuid, coordX, coordY, coordZ, diameter_mm. A header row is detected
// and skipped. Rows keep their file order, which later fixes each
// annotation's sequence number within its volume.
func ReadAnnotations(path string) ([]models.Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 5
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse annotations file %s: %v", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("annotations file %s is empty", path)
	}

	start := 0
	if isAnnotationHeader(rows[0]) {
		start = 1
	}

	anns := make([]models.Annotation, 0, len(rows)-start)
	for i, row := range rows[start:] {
		ann, err := parseAnnotationRow(row)
		if err != nil {
			return nil, fmt.Errorf("annotations file %s row %d: %v", path, start+i+1, err)
		}
		anns = append(anns, ann)
	}
	return anns, nil
}

// GroupAnnotations buckets annotations by volume ID, preserving file order
// inside each bucket so that an annotation's index in its bucket is its
// sequence number.
func GroupAnnotations(anns []models.Annotation) map[string][]models.Annotation {
	groups := make(map[string][]models.Annotation)
	for _, ann := range anns {
		groups[ann.Volume] = append(groups[ann.Volume], ann)
	}
	return groups
}

func isAnnotationHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	for _, field := range row[1:] {
		if _, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err != nil {
			return true
		}
	}
	return false
}

func parseAnnotationRow(row []string) (models.Annotation, error) {
	var ann models.Annotation
	ann.Volume = strings.TrimSpace(row[0])
	if ann.Volume == "" {
		return ann, fmt.Errorf("empty volume id")
	}
	var vals [4]float64
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
		if err != nil {
			return ann, fmt.Errorf("bad number %q in column %d", row[i+1], i+2)
		}
		vals[i] = v
	}
	ann.Point = models.WorldPoint{X: vals[0], Y: vals[1], Z: vals[2]}
	ann.Diameter = vals[3]
	if ann.Diameter < 0 {
		return ann, fmt.Errorf("negative diameter %g", ann.Diameter)
	}
	return ann, nil
}
