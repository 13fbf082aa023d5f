// Package export renders series, calibration outcomes and run histories as
// CSV, JSON and PNG charts.
package export

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/lox/tankcal/internal/fit"
	"github.com/lox/tankcal/internal/models"
)

// CSV output starts with a UTF-8 byte order mark and uses CRLF line endings
// so spreadsheet applications pick the right encoding.
const (
	bom  = "\ufeff"
	crlf = "\r\n"
)

const csvTimeLayout = "2006-01-02 15:04"

// WriteHydrographCSV writes one row per time step with rainfall, observed and
// simulated runoff. Missing observations and a nil simulation leave cells
// empty.
func WriteHydrographCSV(w io.Writer, s models.Series, sim []float64) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(bom)
	bw.WriteString("time,rain_mm,observed_cms,simulated_cms" + crlf)

	for i := range s.Len() {
		observed := ""
		if fit.ValidObservation(s.Runoff[i]) {
			observed = formatNumber(s.Runoff[i])
		}
		simulated := ""
		if i < len(sim) {
			simulated = formatNumber(sim[i])
		}
		writeRow(bw,
			strconv.Quote(s.TimeAt(i).Format(csvTimeLayout)),
			formatNumber(s.Rain[i]),
			observed,
			simulated,
		)
	}
	return bw.Flush()
}

// WriteHistoryCSV writes one row per optimizer iteration followed by the
// parameter values named by keys.
func WriteHistoryCSV(w io.Writer, history []models.CalibrationRecord, keys []string) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(bom)
	writeRow(bw, append([]string{"iteration", "objective", "nse", "change"}, keys...)...)

	for _, rec := range history {
		nse := ""
		if rec.NSE.Valid {
			nse = formatNumber(rec.NSE.Float64)
		}
		row := []string{
			strconv.Itoa(rec.Iteration),
			formatNumber(rec.Objective),
			nse,
			formatNumber(rec.Change),
		}
		for _, key := range keys {
			v, _ := rec.Params.Get(key)
			row = append(row, formatNumber(v))
		}
		writeRow(bw, row...)
	}
	return bw.Flush()
}

func writeRow(bw *bufio.Writer, cells ...string) {
	bw.WriteString(strings.Join(cells, ","))
	bw.WriteString(crlf)
}

// formatNumber writes v in its shortest decimal form. Very small and very
// large magnitudes switch to a quoted exponent form with six fraction digits.
// Non-finite values become an empty cell.
func formatNumber(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	if a := math.Abs(v); v != 0 && (a < 1e-3 || a > 1e6) {
		return `"` + formatExponent(v) + `"`
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatExponent is FormatFloat's 'e' form without exponent zero padding,
// so 0.000123 becomes 1.230000e-4.
func formatExponent(v float64) string {
	s := strconv.FormatFloat(v, 'e', 6, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	digits := strings.TrimLeft(exp[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mantissa + "e" + exp[:1] + digits
}
