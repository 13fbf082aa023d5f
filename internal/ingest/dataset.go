package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lox/tankcal/internal/models"
)

// Dataset is one catchment-year of aligned series.
type Dataset struct {
	Catchment models.Catchment
	Year      int
	// Raw holds the aligned series before missing runoff is filled.
	Raw models.Series
	// Series has missing runoff interpolated.
	Series       models.Series
	Interpolated int
	Flags        []string
}

// MissingIn counts the steps of Raw inside [start, end) that were filled.
func (d *Dataset) MissingIn(start, end time.Time) int {
	return MissingRunoff(Window(d.Raw, start, end))
}

// Loader reads catchment datasets from a Source. Observation times in the
// files are interpreted in Location.
type Loader struct {
	Source   Source
	Location *time.Location
}

func NewLoader(src Source, loc *time.Location) *Loader {
	if loc == nil {
		loc = time.UTC
	}
	return &Loader{Source: src, Location: loc}
}

// Load fetches the rainfall and runoff files of a catchment for one year,
// aligns them and fills missing runoff.
func (l *Loader) Load(ctx context.Context, c models.Catchment, year int) (*Dataset, error) {
	rain, err := l.readings(ctx, RainFile(c.AreaNo, year))
	if err != nil {
		return nil, fmt.Errorf("load rain: %w", err)
	}
	runoff, err := l.readings(ctx, RunoffFile(c.ID, year))
	if err != nil {
		return nil, fmt.Errorf("load runoff: %w", err)
	}

	raw, err := Align(rain, runoff)
	if err != nil {
		return nil, fmt.Errorf("align %s %d: %w", c.ID, year, err)
	}
	series, filled := InterpolateRunoff(raw)

	flags := append(ValidateReadings(rain), ValidateSeries(raw)...)
	if len(flags) > 0 {
		log.Printf("ingest: %s %d quality flags %v", c.ID, year, flags)
	}
	log.Printf("ingest: loaded %s %d from %s: %d steps, %d runoff values interpolated",
		c.ID, year, l.Source.Kind(), raw.Len(), filled)

	return &Dataset{
		Catchment:    c,
		Year:         year,
		Raw:          raw,
		Series:       series,
		Interpolated: filled,
		Flags:        flags,
	}, nil
}

func (l *Loader) readings(ctx context.Context, name string) ([]models.Reading, error) {
	body, err := fetch(ctx, l.Source, name)
	if err != nil {
		return nil, err
	}
	readings, err := ParseReadings(bytes.NewReader(body), l.Location)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return readings, nil
}

// Cache memoizes loaded datasets by catchment and year.
type Cache struct {
	loader *Loader

	mu    sync.Mutex
	items map[string]*Dataset
}

func NewCache(loader *Loader) *Cache {
	return &Cache{loader: loader, items: make(map[string]*Dataset)}
}

func cacheKey(catchmentID string, year int) string {
	return fmt.Sprintf("%d-%s", year, catchmentID)
}

// Get returns the cached dataset or loads it. Failed loads are not cached.
func (c *Cache) Get(ctx context.Context, catchment models.Catchment, year int) (*Dataset, error) {
	key := cacheKey(catchment.ID, year)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ds, ok := c.items[key]; ok {
		return ds, nil
	}
	ds, err := c.loader.Load(ctx, catchment, year)
	if err != nil {
		return nil, err
	}
	c.items[key] = ds
	return ds, nil
}

// Invalidate drops every cached dataset.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.items = make(map[string]*Dataset)
	c.mu.Unlock()
}
