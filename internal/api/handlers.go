package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/hardensim/internal/classifier"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/fault"
	"codeberg.org/mutker/hardensim/internal/machine"
)

type faultRequest struct {
	Kind fault.Kind `json:"kind"`
}

type driftRequest struct {
	Target      fault.Parameter `json:"target"`
	RatePerTick float64         `json:"rate_per_tick"`
}

type policyRequest struct {
	Priority2Policy classifier.Priority2Policy `json:"priority2_policy"`
}

type batchRequest struct {
	TargetRows  int      `json:"target_rows"`
	AnomalyRate *float64 `json:"anomaly_rate"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.cell.Start(); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cell.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.cell.Stop(); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cell.Status())
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	repaired, err := s.cell.Repair(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"repaired": repaired, "status": s.cell.Status()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.cell.Reset(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cell.Status())
}

func (s *Server) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	var req faultRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.cell.InjectFault(req.Kind); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.cell.Status())
}

func (s *Server) handleStartDrift(w http.ResponseWriter, r *http.Request) {
	var req driftRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.cell.StartDrift(req.Target, req.RatePerTick); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.cell.Status())
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req machine.Override
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.cell.SetManualOverride(req); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cell.Status())
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.cell.SetPriority2Policy(req.Priority2Policy); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cell.Status())
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	req := batchRequest{}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}

	target := req.TargetRows
	if target == 0 {
		target = s.cfg.TargetRows
	}
	rate := s.cfg.AnomalyRate
	if req.AnomalyRate != nil {
		rate = *req.AnomalyRate
	}

	summary, err := s.cell.GenerateBatch(r.Context(), target, rate)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.cell.Status())
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("from") != "" || q.Get("to") != "" {
		from, err := parseTime(q.Get("from"))
		if err != nil {
			respondError(w, err)
			return
		}
		to, err := parseTime(q.Get("to"))
		if err != nil {
			respondError(w, err)
			return
		}
		samples, err := s.cell.Range(r.Context(), from, to)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, samples)
		return
	}

	limit, err := parseLimit(q.Get("limit"), 100)
	if err != nil {
		respondError(w, err)
		return
	}
	samples, err := s.cell.Samples(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, samples)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, ok, err := s.cell.Latest(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, latest)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	events, err := s.cell.Events(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := s.cell.Counters(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, counters)
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	report, err := s.cell.Drift(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	runs, err := s.cell.Runs(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New().WithMessage(errors.ErrValidation, "invalid JSON: "+err.Error())
	}

	return nil
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New().WithMessage(errors.ErrValidation, "limit must be a non-negative integer")
	}

	return n, nil
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New().WithMessage(errors.ErrValidation, "time must be RFC 3339: "+v)
	}

	return t, nil
}
