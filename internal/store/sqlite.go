package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/tankcal/internal/models"
)

var ErrNotFound = errors.New("store: not found")

// DefaultParamSet names the parameter set used when none is given.
const DefaultParamSet = "default"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveParams stores a named parameter set, replacing any previous version.
func (s *Store) SaveParams(name string, p models.Params) error {
	if !p.Finite() {
		return fmt.Errorf("save params %q: non-finite value", name)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO parameter_sets (name, params_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			params_json = excluded.params_json,
			updated_at = excluded.updated_at
	`, name, string(b), time.Now().UTC())
	return err
}

// GetParams returns a named parameter set. Fields missing from the stored
// set take their values from models.DefaultParams, and an unknown name
// yields the defaults with found=false.
func (s *Store) GetParams(name string) (p models.Params, found bool, err error) {
	p = models.DefaultParams
	var raw string
	err = s.db.QueryRow(`SELECT params_json FROM parameter_sets WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.DefaultParams, false, fmt.Errorf("unmarshal params %q: %w", name, err)
	}
	return p, true, nil
}

// ListParamSets returns the stored parameter set names in order.
func (s *Store) ListParamSets() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM parameter_sets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) DeleteParams(name string) error {
	res, err := s.db.Exec(`DELETE FROM parameter_sets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: parameter set %q", ErrNotFound, name)
	}
	return nil
}

func (s *Store) SaveSettings(settings models.OptimizerSettings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO optimizer_settings (id, settings_json, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at
	`, string(b), time.Now().UTC())
	return err
}

// GetSettings returns the stored optimizer settings merged over the defaults.
func (s *Store) GetSettings() (models.OptimizerSettings, error) {
	var raw string
	err := s.db.QueryRow(`SELECT settings_json FROM optimizer_settings WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.DefaultOptimizerSettings, nil
	}
	if err != nil {
		return models.DefaultOptimizerSettings, err
	}
	var settings models.OptimizerSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return models.DefaultOptimizerSettings, fmt.Errorf("unmarshal settings: %w", err)
	}
	return settings.Merge(models.DefaultOptimizerSettings), nil
}
