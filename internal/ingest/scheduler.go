package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lox/tankcal/internal/models"
)

// Scheduler keeps the current year's series files fresh in the mirror. Past
// years are complete once published, so only the current year is refetched.
type Scheduler struct {
	source     *MirroredSource
	cache      *Cache
	catchments []models.Catchment
	loc        *time.Location
	interval   time.Duration
	now        func() time.Time
}

func NewScheduler(source *MirroredSource, cache *Cache, catchments []models.Catchment, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		source:     source,
		cache:      cache,
		catchments: catchments,
		loc:        loc,
		interval:   6 * time.Hour,
		now:        time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.RefreshOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-ticker.C:
			s.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce refetches the current year's files of every catchment and
// drops cached datasets when any file changed. Files not yet published are
// skipped. It returns the number of changed files.
func (s *Scheduler) RefreshOnce(ctx context.Context) int {
	year := s.now().In(s.loc).Year()
	changed := 0

	for _, c := range s.catchments {
		for _, name := range []string{RainFile(c.AreaNo, year), RunoffFile(c.ID, year)} {
			if ctx.Err() != nil {
				return changed
			}
			ok, err := s.source.Refresh(ctx, name)
			switch {
			case errors.Is(err, ErrNotFound):
				continue
			case err != nil:
				log.Printf("scheduler: refresh %s: %v", name, err)
				continue
			case ok:
				changed++
			}
		}
	}

	if changed > 0 {
		log.Printf("scheduler: %d series files changed, dropping cached datasets", changed)
		if s.cache != nil {
			s.cache.Invalidate()
		}
	}
	return changed
}
