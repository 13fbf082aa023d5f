package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lox/tankcal/internal/metrics"
	"github.com/lox/tankcal/internal/models"
)

var ErrMalformedLine = errors.New("ingest: malformed line")

// timeLayouts are the observation time formats accepted in series files.
var timeLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseReadings reads a station time series: one "<station> <time> <value>"
// reading per line. Blank lines and lines starting with ';' are skipped.
// Times carry no zone and are interpreted in loc.
func ParseReadings(r io.Reader, loc *time.Location) ([]models.Reading, error) {
	if loc == nil {
		loc = time.UTC
	}
	var readings []models.Reading
	counts := make(map[string]int)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		rd, err := parseLine(line, loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		readings = append(readings, rd)
		counts[rd.StationID]++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	for station, n := range counts {
		metrics.ReadingsParsed.WithLabelValues(station).Add(float64(n))
	}
	return readings, nil
}

func parseLine(line string, loc *time.Location) (models.Reading, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return models.Reading{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	stamp, value := fields[1], fields[2]
	if len(fields) >= 4 && !strings.Contains(stamp, "T") {
		// date and time separated by a space
		stamp, value = fields[1]+" "+fields[2], fields[3]
	}
	at, err := parseTime(stamp, loc)
	if err != nil {
		return models.Reading{}, err
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return models.Reading{}, fmt.Errorf("%w: value %q", ErrMalformedLine, value)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return models.Reading{}, fmt.Errorf("%w: non-finite value %q", ErrMalformedLine, value)
	}
	return models.Reading{StationID: fields[0], ObservedAt: at, Value: v}, nil
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: time %q", ErrMalformedLine, s)
}
