package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chaz8081/gira-bridge/internal/device"
)

// CoverRequest is the body of POST /devices/{address}/cover. Exactly one of
// Action or Position must be set.
type CoverRequest struct {
	Action   string `json:"action,omitempty"`
	Position *int   `json:"position,omitempty"`
}

// TemperatureRequest is the body of POST /devices/{address}/temperature.
type TemperatureRequest struct {
	Target *float64 `json:"target"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Components: map[string]string{}}
	status := http.StatusOK
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devs := s.devices.List()
	out := make([]device.State, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.State())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.State())
}

func (s *Server) handleCoverCommand(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	cover, ok := d.(*device.Cover)
	if !ok {
		writeError(w, http.StatusConflict, ErrCodeWrongProfile, "device is not a cover")
		return
	}

	var req CoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if (req.Action == "") == (req.Position == nil) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, `exactly one of "action" or "position" is required`)
		return
	}

	var cmd func(context.Context) error
	if req.Position != nil {
		pos := *req.Position
		cmd = func(ctx context.Context) error { return cover.SetPosition(ctx, pos) }
	} else {
		actions := map[string]func(context.Context) error{
			"open":      cover.Open,
			"close":     cover.Close,
			"stop":      cover.Stop,
			"step_up":   cover.StepUp,
			"step_down": cover.StepDown,
			"ventilate": cover.Ventilate,
		}
		if cmd, ok = actions[req.Action]; !ok {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "unknown action "+req.Action)
			return
		}
	}
	s.run(w, r, d, cmd)
}

func (s *Server) handleTemperatureCommand(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	climate, ok := d.(*device.Climate)
	if !ok {
		writeError(w, http.StatusConflict, ErrCodeWrongProfile, "device is not a thermostat")
		return
	}

	var req TemperatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, `body must be {"target": <celsius>}`)
		return
	}
	target := *req.Target
	s.run(w, r, d, func(ctx context.Context) error {
		return climate.SetTargetTemperature(ctx, target)
	})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, d device.Device, cmd func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := cmd(ctx); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.State())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (device.Device, bool) {
	address := chi.URLParam(r, "address")
	d, ok := s.devices.Get(address)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "device not found: "+address)
	}
	return d, ok
}
