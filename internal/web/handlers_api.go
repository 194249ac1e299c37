package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

const (
	maxBodyBytes        = 1 << 20
	commandTimeout      = 5 * time.Second
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.acc.Snapshot())
}

type castingRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleAPISetCasting(w http.ResponseWriter, r *http.Request) {
	var req castingRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.On == nil {
		s.writeError(w, http.StatusBadRequest, "on is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.acc.SetCasting(ctx, *req.On); err != nil {
		s.logger.Warn("set casting", "on", *req.On, "err", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.acc.Snapshot())
}

type volumeRequest struct {
	Volume *int `json:"volume"`
}

func (s *Server) handleAPISetVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Volume == nil {
		s.writeError(w, http.StatusBadRequest, "volume is required")
		return
	}
	if *req.Volume < 0 || *req.Volume > 100 {
		s.writeError(w, http.StatusBadRequest, "volume must be 0-100")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := s.acc.SetVolume(ctx, *req.Volume); err != nil {
		s.logger.Warn("set volume", "volume", *req.Volume, "err", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.acc.Snapshot())
}

func (s *Server) handleAPITransitions(w http.ResponseWriter, r *http.Request) {
	list := s.acc.Transitions()
	if list == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.ListHistory(limit)
	if err != nil {
		s.internalError(w, "list history", err)
		return
	}
	if entries == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// decode reads a size-limited JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs err and hides it from the client.
func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
