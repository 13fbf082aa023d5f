package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// SeriesFile is a mirrored copy of a fetched time series file.
type SeriesFile struct {
	Name              string
	Source            string
	FetchedAt         time.Time
	PayloadCompressed []byte
	PayloadHash       string
	SizeBytes         int64
}

// PutSeriesFile stores a compressed copy of a fetched series file under its
// source-relative name. It reports whether the stored content changed.
func (s *Store) PutSeriesFile(source, name string, payload []byte) (bool, error) {
	hash := sha256.Sum256(payload)
	hashHex := hex.EncodeToString(hash[:])

	var existing string
	err := s.db.QueryRow(`SELECT payload_hash FROM series_files WHERE name = ?`, name).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("lookup series file: %w", err)
	}
	if existing == hashHex {
		_, err := s.db.Exec(`UPDATE series_files SET fetched_at = ?, source = ? WHERE name = ?`, time.Now().UTC(), source, name)
		return false, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return false, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return false, fmt.Errorf("close gzip: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO series_files (name, source, fetched_at, payload_compressed, payload_hash, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			source = excluded.source,
			fetched_at = excluded.fetched_at,
			payload_compressed = excluded.payload_compressed,
			payload_hash = excluded.payload_hash,
			size_bytes = excluded.size_bytes
	`, name, source, time.Now().UTC(), buf.Bytes(), hashHex, len(payload))
	if err != nil {
		return false, fmt.Errorf("insert series file: %w", err)
	}
	return true, nil
}

// GetSeriesFile returns the decompressed mirror of name, if present.
func (s *Store) GetSeriesFile(name string) ([]byte, bool, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT payload_compressed FROM series_files WHERE name = ?`, name).Scan(&compressed)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, false, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	body, err := io.ReadAll(gz)
	if err != nil {
		return nil, false, fmt.Errorf("decompress %s: %w", name, err)
	}
	return body, true, nil
}

// SeriesFileStats contains storage statistics for mirrored series files.
type SeriesFileStats struct {
	TotalCount      int
	TotalSizeBytes  int64
	CompressedBytes int64
	OldestFetchedAt time.Time
	NewestFetchedAt time.Time
	CountBySource   map[string]int
}

func (s *Store) GetSeriesFileStats() (*SeriesFileStats, error) {
	stats := &SeriesFileStats{CountBySource: make(map[string]int)}

	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(LENGTH(payload_compressed)), 0)
		FROM series_files
	`)
	if err := row.Scan(&stats.TotalCount, &stats.TotalSizeBytes, &stats.CompressedBytes); err != nil {
		return nil, err
	}
	if stats.TotalCount == 0 {
		return stats, nil
	}

	// aggregates lose the column type, so read the bounds as plain rows
	if err := s.db.QueryRow(`SELECT fetched_at FROM series_files ORDER BY fetched_at ASC LIMIT 1`).Scan(&stats.OldestFetchedAt); err != nil {
		return nil, fmt.Errorf("oldest series file: %w", err)
	}
	if err := s.db.QueryRow(`SELECT fetched_at FROM series_files ORDER BY fetched_at DESC LIMIT 1`).Scan(&stats.NewestFetchedAt); err != nil {
		return nil, fmt.Errorf("newest series file: %w", err)
	}

	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM series_files GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		stats.CountBySource[source] = count
	}
	return stats, rows.Err()
}

// DeleteSeriesFilesBefore drops mirrored files fetched before cutoff and
// returns how many were removed.
func (s *Store) DeleteSeriesFilesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM series_files WHERE fetched_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
