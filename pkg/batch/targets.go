package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"tms2mni/internal/errors"
	"tms2mni/internal/logger"
	"tms2mni/internal/models"
)

// targetColumns is the minimum row width: subject, x, y, z, label, source
const targetColumns = 6

// Target is one row of the input table
type Target struct {
	Subject models.Subject
	models.RawTarget

	// Line is the 1-based line number of the row in the input file
	Line int
}

// ReadTargets reads the target table at path. The first row is a header and
// is skipped. Rows that do not parse are logged and skipped.
func ReadTargets(path string, log logger.Logger) ([]Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to open target table: %w", err), path)
	}
	defer f.Close()

	return parseTargets(f, path, log)
}

func parseTargets(r io.Reader, path string, log logger.Logger) ([]Target, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.New(err).
			Component("batch").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}

	var targets []Target
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("unreadable target row", logger.String("path", path), logger.Error(err))
			continue
		}
		line, _ := reader.FieldPos(0)

		t, err := parseTarget(row)
		if err != nil {
			log.Warn("skipping target row",
				logger.String("path", path),
				logger.Int("line", line),
				logger.Any("row", row),
				logger.Error(err))
			continue
		}
		t.Line = line
		targets = append(targets, t)
	}
	return targets, nil
}

func parseTarget(row []string) (Target, error) {
	if len(row) < targetColumns {
		return Target{}, fmt.Errorf("expected %d columns, got %d", targetColumns, len(row))
	}

	var coords [3]float64
	for i := range coords {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
		if err != nil {
			return Target{}, fmt.Errorf("invalid coordinate %q: %w", row[i+1], err)
		}
		coords[i] = v
	}

	id := strings.TrimSpace(row[0])
	if id == "" {
		return Target{}, fmt.Errorf("empty subject ID")
	}

	return Target{
		Subject: models.Subject{ID: id, SourceDir: strings.TrimSpace(row[5])},
		RawTarget: models.RawTarget{
			X:     coords[0],
			Y:     coords[1],
			Z:     coords[2],
			Label: strings.TrimSpace(row[4]),
		},
	}, nil
}

// groupBySubject splits targets into per-subject lists, keeping the input
// order of subjects and of the targets within each subject
func groupBySubject(targets []Target) [][]Target {
	index := make(map[string]int)
	var groups [][]Target
	for _, t := range targets {
		i, ok := index[t.Subject.ID]
		if !ok {
			i = len(groups)
			index[t.Subject.ID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], t)
	}
	return groups
}
