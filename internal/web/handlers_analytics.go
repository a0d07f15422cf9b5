package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"fleetwatch/internal/compare"
	"fleetwatch/internal/report"
)

// deviceSelection names devices either directly or through a stored group.
type deviceSelection struct {
	DeviceIDs []string `json:"device_ids"`
	Group     string   `json:"group"`
}

type reportRequest struct {
	deviceSelection
	Format   string `json:"format"`
	Template string `json:"template"`
}

// resolve returns the selected device ids. It writes the error response and
// returns false when the selection cannot be resolved.
func (s *Server) resolve(w http.ResponseWriter, sel deviceSelection) ([]string, bool) {
	if sel.Group == "" {
		return sel.DeviceIDs, true
	}
	if len(sel.DeviceIDs) > 0 {
		s.writeError(w, http.StatusBadRequest, "device_ids and group are mutually exclusive")
		return nil, false
	}
	if !s.requireStore(w) {
		return nil, false
	}
	g, err := s.svc.Store.Group(sel.Group)
	if err != nil {
		s.storeError(w, err, "resolve group")
		return nil, false
	}
	return g.DeviceIDs, true
}

func (s *Server) handleAPICompare(w http.ResponseWriter, r *http.Request) {
	var req deviceSelection
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ids, ok := s.resolve(w, req)
	if !ok {
		return
	}

	res, err := s.svc.Compare.Compare(r.Context(), ids, scopeOf(r))
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug("compare aborted", "err", err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("view") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte(compare.Render(res))); err != nil {
			s.logger.Debug("write comparison", "err", err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPIReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ids, ok := s.resolve(w, req.deviceSelection)
	if !ok {
		return
	}
	format := req.Format
	if format == "" {
		format = report.FormatJSON
	}

	rep, content, err := s.svc.Reports.Generate(r.Context(), ids, scopeOf(r), report.Options{
		Format:   format,
		Template: req.Template,
	})
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug("report aborted", "err", err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", report.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(rep, format)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		s.logger.Debug("write report", "err", err)
	}
}
