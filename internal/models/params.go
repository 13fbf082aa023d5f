package models

import (
	"fmt"
	"math"
)

// Params is the full tank model parameter set for one catchment.
// Depths are in mm, coefficients are dimensionless fractions per interval.
type Params struct {
	Area   float64 `json:"area"` // km²
	H1     float64 `json:"h1"`
	H2     float64 `json:"h2"`
	A1     float64 `json:"a1"`
	A2     float64 `json:"a2"`
	A3     float64 `json:"a3"`
	H3     float64 `json:"h3"`
	B1     float64 `json:"b1"`
	B2     float64 `json:"b2"`
	B3     float64 `json:"b3"`
	HTank1 float64 `json:"HTank1"`
	HTank2 float64 `json:"HTank2"`
}

// ParamKeys lists the calibratable parameters in optimizer order.
var ParamKeys = []string{"h1", "h2", "a1", "a2", "a3", "h3", "b1", "b2", "b3", "HTank1", "HTank2"}

// DefaultParams is the Shihmen reservoir catchment parameter set.
var DefaultParams = Params{
	Area:   765.0,
	H1:     90.5,
	H2:     60,
	A1:     0.12,
	A2:     0.025,
	A3:     0.02,
	H3:     20,
	B1:     0.2,
	B2:     0.021,
	B3:     0.001,
	HTank1: 10.0,
	HTank2: 10.0,
}

func (p *Params) field(key string) *float64 {
	switch key {
	case "area":
		return &p.Area
	case "h1":
		return &p.H1
	case "h2":
		return &p.H2
	case "a1":
		return &p.A1
	case "a2":
		return &p.A2
	case "a3":
		return &p.A3
	case "h3":
		return &p.H3
	case "b1":
		return &p.B1
	case "b2":
		return &p.B2
	case "b3":
		return &p.B3
	case "HTank1":
		return &p.HTank1
	case "HTank2":
		return &p.HTank2
	}
	return nil
}

// Get returns the named parameter.
func (p Params) Get(key string) (float64, bool) {
	f := p.field(key)
	if f == nil {
		return 0, false
	}
	return *f, true
}

// Set assigns the named parameter. It reports false for an unknown key.
func (p *Params) Set(key string, v float64) bool {
	f := p.field(key)
	if f == nil {
		return false
	}
	*f = v
	return true
}

// Vector returns the values of keys, in order.
func (p Params) Vector(keys []string) ([]float64, error) {
	x := make([]float64, len(keys))
	for i, k := range keys {
		v, ok := p.Get(k)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, k)
		}
		x[i] = v
	}
	return x, nil
}

// WithVector returns a copy of p with keys[i] set to x[i].
func (p Params) WithVector(keys []string, x []float64) (Params, error) {
	if len(keys) != len(x) {
		return p, fmt.Errorf("%w: %d keys, %d values", ErrLengthMismatch, len(keys), len(x))
	}
	for i, k := range keys {
		if !p.Set(k, x[i]) {
			return p, fmt.Errorf("%w: %q", ErrUnknownParameter, k)
		}
	}
	return p, nil
}

// ValidateKeys checks every key names a known parameter.
func ValidateKeys(keys []string) error {
	var p Params
	for _, k := range keys {
		if p.field(k) == nil {
			return fmt.Errorf("%w: %q", ErrUnknownParameter, k)
		}
	}
	return nil
}

// Finite reports whether every parameter is a finite number.
func (p Params) Finite() bool {
	for _, v := range []float64{p.Area, p.H1, p.H2, p.A1, p.A2, p.A3, p.H3, p.B1, p.B2, p.B3, p.HTank1, p.HTank2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ParamSpec describes the engineering-unit bounds of one calibratable parameter.
type ParamSpec struct {
	Key         string  `json:"key"`
	Label       string  `json:"label"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Description string  `json:"description"`
}

var DefaultSpecs = []ParamSpec{
	{Key: "h1", Label: "h1 (mm)", Min: 50, Max: 200, Description: "Upper tank first outlet height, controls surface runoff."},
	{Key: "h2", Label: "h2 (mm)", Min: 10, Max: 100, Description: "Upper tank second outlet height, controls intermediate flow."},
	{Key: "a1", Label: "a1", Min: 0, Max: 1, Description: "Upper tank first outlet coefficient."},
	{Key: "a2", Label: "a2", Min: 0, Max: 1, Description: "Upper tank second outlet coefficient."},
	{Key: "a3", Label: "a3", Min: 0, Max: 1, Description: "Infiltration coefficient from upper to lower tank."},
	{Key: "h3", Label: "h3 (mm)", Min: 5, Max: 20, Description: "Lower tank outlet height, controls sub-surface flow."},
	{Key: "b1", Label: "b1", Min: 0, Max: 1, Description: "Lower tank sub-surface outlet coefficient."},
	{Key: "b2", Label: "b2", Min: 0, Max: 1, Description: "Lower tank baseflow coefficient."},
	{Key: "b3", Label: "b3", Min: 0, Max: 1, Description: "Deep percolation coefficient (loss)."},
	{Key: "HTank1", Label: "Upper initial storage (mm)", Min: 1, Max: 50, Description: "Upper tank storage at the start of a run."},
	{Key: "HTank2", Label: "Lower initial storage (mm)", Min: 1, Max: 50, Description: "Lower tank storage at the start of a run."},
}

// SpecKeys returns the keys of specs in order.
func SpecKeys(specs []ParamSpec) []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.Key
	}
	return keys
}
