package export

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"strconv"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/lox/tankcal/internal/fit"
	"github.com/lox/tankcal/internal/models"
)

const (
	ChartWidth  = 1000
	ChartHeight = 560
)

var (
	chartFace font.Face
	faceOnce  sync.Once
	faceErr   error
)

func loadFace() {
	faceOnce.Do(func() {
		f, err := opentype.Parse(goregular.TTF)
		if err != nil {
			faceErr = fmt.Errorf("parse goregular: %w", err)
			return
		}
		chartFace, err = opentype.NewFace(f, &opentype.FaceOptions{
			Size:    13,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			faceErr = fmt.Errorf("create chart face: %w", err)
		}
	})
}

var (
	colBackground = color.RGBA{255, 255, 255, 255}
	colAxis       = color.RGBA{90, 90, 90, 255}
	colGrid       = color.RGBA{228, 228, 228, 255}
	colText       = color.RGBA{40, 40, 40, 255}
	colRain       = color.RGBA{110, 160, 230, 255}
	colObserved   = color.RGBA{20, 20, 20, 255}
	colSimulated  = color.RGBA{220, 50, 40, 255}
	colObjective  = color.RGBA{40, 110, 200, 255}
)

// HydrographPNG draws observed and simulated runoff as lines with rainfall
// bars hanging from the top edge. sim may be nil.
func HydrographPNG(w io.Writer, s models.Series, sim []float64, title string) error {
	loadFace()
	if faceErr != nil {
		return fmt.Errorf("load font: %w", faceErr)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if sim != nil && len(sim) != s.Len() {
		return fmt.Errorf("%w: simulated %d, series %d", models.ErrLengthMismatch, len(sim), s.Len())
	}

	flowMax := 0.0
	for _, v := range s.Runoff {
		if fit.ValidObservation(v) {
			flowMax = math.Max(flowMax, v)
		}
	}
	for _, v := range sim {
		if finite(v) {
			flowMax = math.Max(flowMax, v)
		}
	}
	if flowMax <= 0 {
		flowMax = 1
	}
	hi := flowMax * 1.1

	p := newPlot(title)
	p.frame(0, hi, 5, func(v float64) string { return strconv.FormatFloat(v, 'g', 4, 64) })

	n := s.Len()
	rainMax := 0.0
	for _, r := range s.Rain {
		rainMax = math.Max(rainMax, r)
	}
	if rainMax > 0 {
		barW := max(1, p.area.Dx()/n)
		for i, r := range s.Rain {
			if !(r > 0) {
				continue
			}
			h := int(math.Round(r / rainMax * float64(p.area.Dy()) / 3))
			x := p.x(i, n) - barW/2
			bar := image.Rect(x, p.area.Min.Y, x+barW, p.area.Min.Y+max(h, 1))
			fill(p.img, bar.Intersect(p.area), colRain)
		}
		label := "rain max " + strconv.FormatFloat(rainMax, 'g', 4, 64) + " mm"
		drawText(p.img, label, p.area.Max.X-textWidth(label), p.area.Min.Y-8, colText)
	}

	p.line(s.Runoff, fit.ValidObservation, 0, hi, colObserved)
	if sim != nil {
		p.line(sim, finite, 0, hi, colSimulated)
	}

	start := s.TimeAt(0).Format(csvTimeLayout)
	end := s.TimeAt(n - 1).Format(csvTimeLayout)
	drawText(p.img, start, p.area.Min.X, p.area.Max.Y+20, colText)
	drawText(p.img, end, p.area.Max.X-textWidth(end), p.area.Max.Y+20, colText)
	drawText(p.img, "cms", 12, p.area.Min.Y+4, colText)

	entries := []legendEntry{{"observed", colObserved}, {"rain", colRain}}
	if sim != nil {
		entries = append(entries, legendEntry{"simulated", colSimulated})
	}
	p.legend(entries)

	return png.Encode(w, p.img)
}

// ConvergencePNG draws the objective value of each iteration. A log scale is
// used when all values are positive and span more than two decades.
func ConvergencePNG(w io.Writer, history []models.CalibrationRecord, title string) error {
	loadFace()
	if faceErr != nil {
		return fmt.Errorf("load font: %w", faceErr)
	}

	p := newPlot(title)

	values := make([]float64, len(history))
	lo, hi := math.Inf(1), math.Inf(-1)
	positive := true
	for i, rec := range history {
		values[i] = rec.Objective
		if !finite(rec.Objective) {
			continue
		}
		positive = positive && rec.Objective > 0
		lo = math.Min(lo, rec.Objective)
		hi = math.Max(hi, rec.Objective)
	}
	if lo > hi {
		msg := "no finite objective values"
		drawText(p.img, msg, (ChartWidth-textWidth(msg))/2, ChartHeight/2, colText)
		return png.Encode(w, p.img)
	}

	logScale := positive && hi/lo > 100
	label := func(v float64) string { return strconv.FormatFloat(v, 'g', 4, 64) }
	if logScale {
		for i, v := range values {
			values[i] = math.Log10(v)
		}
		lo, hi = math.Log10(lo), math.Log10(hi)
		label = func(v float64) string { return "1e" + strconv.FormatFloat(v, 'f', 1, 64) }
	}
	if hi == lo {
		lo, hi = lo-0.5, hi+0.5
	}
	pad := (hi - lo) * 0.05
	lo, hi = lo-pad, hi+pad

	p.frame(lo, hi, 5, label)
	p.line(values, finite, lo, hi, colObjective)

	first := "iteration " + strconv.Itoa(history[0].Iteration)
	last := strconv.Itoa(history[len(history)-1].Iteration)
	drawText(p.img, first, p.area.Min.X, p.area.Max.Y+20, colText)
	drawText(p.img, last, p.area.Max.X-textWidth(last), p.area.Max.Y+20, colText)
	p.legend([]legendEntry{{"objective", colObjective}})

	return png.Encode(w, p.img)
}

type plot struct {
	img  *image.RGBA
	area image.Rectangle
}

type legendEntry struct {
	label string
	col   color.RGBA
}

func newPlot(title string) *plot {
	img := image.NewRGBA(image.Rect(0, 0, ChartWidth, ChartHeight))
	fill(img, img.Bounds(), colBackground)
	p := &plot{img: img, area: image.Rect(72, 44, ChartWidth-24, ChartHeight-48)}
	drawText(img, title, p.area.Min.X, 24, colText)
	return p
}

// x maps index i of n samples to a pixel column.
func (p *plot) x(i, n int) int {
	if n <= 1 {
		return p.area.Min.X
	}
	return p.area.Min.X + int(math.Round(float64(i)*float64(p.area.Dx())/float64(n-1)))
}

// y maps v in [lo, hi] to a pixel row with hi at the top.
func (p *plot) y(v, lo, hi float64) int {
	v = math.Max(lo, math.Min(hi, v))
	return p.area.Max.Y - int(math.Round((v-lo)/(hi-lo)*float64(p.area.Dy())))
}

func (p *plot) frame(lo, hi float64, ticks int, label func(float64) string) {
	for k := 0; k <= ticks; k++ {
		v := lo + (hi-lo)*float64(k)/float64(ticks)
		y := p.y(v, lo, hi)
		fill(p.img, image.Rect(p.area.Min.X, y, p.area.Max.X, y+1), colGrid)
		s := label(v)
		drawText(p.img, s, p.area.Min.X-8-textWidth(s), y+4, colText)
	}
	fill(p.img, image.Rect(p.area.Min.X, p.area.Max.Y, p.area.Max.X, p.area.Max.Y+1), colAxis)
	fill(p.img, image.Rect(p.area.Min.X-1, p.area.Min.Y, p.area.Min.X, p.area.Max.Y+1), colAxis)
}

// line joins consecutive valid values. Invalid values break the line.
func (p *plot) line(values []float64, valid func(float64) bool, lo, hi float64, c color.RGBA) {
	var px, py int
	joined := false
	for i, v := range values {
		if !valid(v) {
			joined = false
			continue
		}
		x, y := p.x(i, len(values)), p.y(v, lo, hi)
		if joined {
			segment(p.img, px, py, x, y, c)
		} else {
			segment(p.img, x, y, x, y, c)
		}
		px, py, joined = x, y, true
	}
}

func (p *plot) legend(entries []legendEntry) {
	x := p.area.Min.X + 12
	y := p.area.Min.Y + 14
	for _, e := range entries {
		fill(p.img, image.Rect(x, y-6, x+18, y-2), e.col)
		drawText(p.img, e.label, x+24, y, colText)
		y += 18
	}
}

// segment draws a two pixel thick line with Bresenham's algorithm.
func segment(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.SetRGBA(x0, y0, c)
		img.SetRGBA(x0, y0+1, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func fill(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: chartFace,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func textWidth(s string) int {
	return font.MeasureString(chartFace, s).Ceil()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
