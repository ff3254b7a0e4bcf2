package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/experiment"
	"codeberg.org/mutker/pvctl/internal/model"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var in experiment.NewExperiment
	if !s.decode(w, r, &in) {
		return
	}

	e, err := s.svc.Create(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := s.queryInt(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := s.queryInt(w, q.Get("offset"), "offset")
	if !ok {
		return
	}

	list, err := s.svc.List(r.Context(), model.ExperimentFilter{
		Status: model.Status(q.Get("status")),
		Tag:    q.Get("tag"),
		Search: q.Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) deleteExperiments(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	n, err := s.svc.Delete(r.Context(), body.IDs...)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) startExperiment(w http.ResponseWriter, r *http.Request) {
	e, alerts, err := s.svc.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"experiment": e,
		"alerts":     nonNil(alerts),
	})
}

func (s *Server) stopExperiment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status model.Status `json:"status"`
	}
	if !s.decodeOptional(w, r, &body) {
		return
	}
	if body.Status == "" {
		body.Status = model.StatusCompleted
	}

	e, err := s.svc.Stop(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) pauseExperiment(w http.ResponseWriter, r *http.Request) {
	s.fail(w, s.svc.Pause(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) resumeExperiment(w http.ResponseWriter, r *http.Request) {
	s.fail(w, s.svc.Resume(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) recordDataPoint(w http.ResponseWriter, r *http.Request) {
	var p model.DataPoint
	if !s.decode(w, r, &p) {
		return
	}

	stored, alerts, err := s.svc.RecordDataPoint(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"data_point": stored,
		"alerts":     nonNil(alerts),
	})
}

func (s *Server) listDataPoints(w http.ResponseWriter, r *http.Request) {
	points, err := s.svc.DataPoints(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(points))
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := s.queryInt(w, q.Get("limit"), "limit")
	if !ok {
		return
	}

	var unresolved bool
	if v := q.Get("unresolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, errors.New().WithMessage(errors.ErrValidation, "unresolved must be a boolean"))
			return
		}
		unresolved = b
	}

	alerts, err := s.svc.Alerts(r.Context(), model.AlertFilter{
		ExperimentID: q.Get("experiment_id"),
		DeviceID:     q.Get("device_id"),
		Unresolved:   unresolved,
		Limit:        limit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

type actorBody struct {
	By string `json:"by"`
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !s.decode(w, r, &body) {
		return
	}

	a, err := s.svc.AcknowledgeAlert(r.Context(), mux.Vars(r)["id"], body.By)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !s.decode(w, r, &body) {
		return
	}

	a, err := s.svc.ResolveAlert(r.Context(), mux.Vars(r)["id"], body.By)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.Devices(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(devices))
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.svc.Templates(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(templates))
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var t model.Template
	if !s.decode(w, r, &t) {
		return
	}

	created, err := s.svc.CreateTemplate(r.Context(), t)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// decode reads a required JSON body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.fail(w, errors.New().Wrap(errors.ErrValidation, err).WithMessage("invalid JSON body"))
		return false
	}
	return true
}

// decodeOptional is decode for bodies that may be empty.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, errors.New().Wrap(errors.ErrValidation, err).WithMessage("invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.fail(w, errors.New().WithMessage(errors.ErrValidation, name+" must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
