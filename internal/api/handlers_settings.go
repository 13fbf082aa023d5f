package api

import (
	"errors"
	"net/http"

	"github.com/lox/tankcal/internal/models"
)

func (s *Server) handleListParams(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListParamSets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sets": names})
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	p, err := s.params(r.PathValue("name"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePutParams merges the body over the stored set, or over the defaults
// for a new set.
func (s *Server) handlePutParams(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, _, err := s.store.GetParams(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if err := s.store.SaveParams(name, p); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteParams(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteParams(r.PathValue("name")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := decodeBody(w, r, &settings); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if settings.MaxIterations < 0 || settings.InitialStep < 0 || settings.MinObjective < 0 || settings.MinObjectiveChange < 0 {
		err := badRequest(errors.New("settings must not be negative"))
		writeError(w, statusOf(err), err)
		return
	}
	if err := s.store.SaveSettings(settings); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings.Merge(models.DefaultOptimizerSettings))
}
