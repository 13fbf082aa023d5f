package ingest

import (
	"context"
	"errors"
	"testing"
)

type memMirror struct {
	files map[string][]byte
	puts  int
}

func (m *memMirror) PutSeriesFile(source, name string, payload []byte) (bool, error) {
	m.puts++
	m.files[name] = payload
	return true, nil
}

func (m *memMirror) GetSeriesFile(name string) ([]byte, bool, error) {
	b, ok := m.files[name]
	return b, ok, nil
}

func TestMirroredSource(t *testing.T) {
	upstream := &countingSource{Source: NewFileSource(writeFixtures(t))}
	mirror := &memMirror{files: make(map[string][]byte)}
	src := NewMirroredSource(upstream, mirror)
	ctx := context.Background()

	for range 3 {
		body, err := src.Fetch(ctx, RainFile("05", 2024))
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if string(body) != rainFixture {
			t.Errorf("body = %q", body)
		}
	}
	if upstream.fetches != 1 || mirror.puts != 1 {
		t.Errorf("upstream fetches = %d, mirror puts = %d, want 1 and 1", upstream.fetches, mirror.puts)
	}

	if _, err := src.Fetch(ctx, RainFile("09", 2024)); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if mirror.puts != 1 {
		t.Errorf("failed fetch was mirrored")
	}
	if src.Kind() != "file" {
		t.Errorf("Kind = %s", src.Kind())
	}
}
