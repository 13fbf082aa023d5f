package ingest

import (
	"context"
	"fmt"
	"log"
)

// FileMirror keeps local copies of fetched series files.
type FileMirror interface {
	PutSeriesFile(source, name string, payload []byte) (bool, error)
	GetSeriesFile(name string) ([]byte, bool, error)
}

// MirroredSource serves files from a mirror when it has them and records
// every successful upstream fetch. Mirror failures are logged, never fatal.
type MirroredSource struct {
	Upstream Source
	Mirror   FileMirror
}

func NewMirroredSource(upstream Source, mirror FileMirror) *MirroredSource {
	return &MirroredSource{Upstream: upstream, Mirror: mirror}
}

func (m *MirroredSource) Kind() string { return m.Upstream.Kind() }

func (m *MirroredSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	body, ok, err := m.Mirror.GetSeriesFile(name)
	if err != nil {
		log.Printf("ingest: mirror read %s: %v", name, err)
	} else if ok {
		return body, nil
	}

	body, err = m.Upstream.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	if changed, err := m.Mirror.PutSeriesFile(m.Upstream.Kind(), name, body); err != nil {
		log.Printf("ingest: mirror write %s: %v", name, err)
	} else if changed {
		log.Printf("ingest: mirrored %s (%d bytes)", name, len(body))
	}
	return body, nil
}

// Refresh fetches name from upstream and stores it, bypassing the mirror
// copy. It reports whether the stored payload changed.
func (m *MirroredSource) Refresh(ctx context.Context, name string) (bool, error) {
	body, err := m.Upstream.Fetch(ctx, name)
	if err != nil {
		return false, err
	}
	changed, err := m.Mirror.PutSeriesFile(m.Upstream.Kind(), name, body)
	if err != nil {
		return false, fmt.Errorf("mirror write %s: %w", name, err)
	}
	return changed, nil
}
