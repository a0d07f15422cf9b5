package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/devicedata"
	"fleetwatch/internal/store"
)

const maxBodyBytes = 1 << 20

func scopeOf(r *http.Request) string {
	return r.Header.Get(ScopeHeader)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	state := s.svc.Devices.FetchState(r.Context(), id, scopeOf(r), devicedata.Options{BypassCache: refresh})
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAPILastState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, ok := s.svc.Monitor.LastState(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no state recorded for device")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAPIListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.svc.Alerts.Recent(limit))
}

func (s *Server) handleAPIAckAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Alerts.Acknowledge(id); err != nil {
		if errors.Is(err, alerts.ErrAlertNotFound) {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.logger.Error("acknowledge alert", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Alerts.Rules())
}

type watchedDevice struct {
	DeviceID    string `json:"device_id"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) handleAPIMonitor(w http.ResponseWriter, r *http.Request) {
	ids := s.svc.Monitor.Watched()
	devices := make([]watchedDevice, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, watchedDevice{DeviceID: id, Subscribers: len(s.svc.Monitor.Subscribers(id))})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":    devices,
		"ws_clients": s.wsHub.ClientCount(),
	})
}

// Tags and groups

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.svc.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "store not configured")
		return false
	}
	return true
}

func (s *Server) storeError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidName):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleAPIGetTags(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	tags, err := s.svc.Store.Tags(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err, "get tags")
		return
	}
	s.writeJSON(w, http.StatusOK, tagsRequest{Tags: tags})
}

func (s *Server) handleAPISetTags(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req tagsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tags, err := s.svc.Store.SetTags(r.PathValue("id"), req.Tags)
	if err != nil {
		s.storeError(w, err, "set tags")
		return
	}
	s.writeJSON(w, http.StatusOK, tagsRequest{Tags: tags})
}

func (s *Server) handleAPIListGroups(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	groups, err := s.svc.Store.Groups()
	if err != nil {
		s.storeError(w, err, "list groups")
		return
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleAPIGetGroup(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	g, err := s.svc.Store.Group(r.PathValue("name"))
	if err != nil {
		s.storeError(w, err, "get group")
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

type groupRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

func (s *Server) handleAPISetGroup(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req groupRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g, err := s.svc.Store.SetGroup(r.PathValue("name"), req.DeviceIDs)
	if err != nil {
		s.storeError(w, err, "set group")
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAPIDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.svc.Store.DeleteGroup(r.PathValue("name")); err != nil {
		s.storeError(w, err, "delete group")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
