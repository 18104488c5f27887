package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/auth"
	"duoclean.org/internal/cleanup"
)

type startRunRequest struct {
	Mode string `json:"mode"`
}

type startRunResponse struct {
	ID     string            `json:"id"`
	Status cleanup.RunStatus `json:"status"`
}

type listRunsResponse struct {
	Items []cleanup.OperationRecord `json:"items"`
}

type listOutcomesResponse struct {
	RunID string                   `json:"run_id"`
	Items []cleanup.AccountOutcome `json:"items"`
}

type listAuditResponse struct {
	Items []audit.Entry `json:"items"`
}

func (a *API) handleRunsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listRuns(w, r)
	case http.MethodPost:
		if a.requireRole(w, r, auth.RoleOperator) {
			a.startRun(w, r)
		}
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRunResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, sub, _ := strings.Cut(path, "/")
	if strings.Contains(sub, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRun(w, r, id)
	case "outcomes", "outcomes.csv":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		asCSV := sub == "outcomes.csv" || strings.EqualFold(r.URL.Query().Get("format"), "csv")
		a.listOutcomes(w, r, id, asCSV)
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.streamRunEvents(w, r, id)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if a.requireRole(w, r, auth.RoleOperator) {
			a.cancelRun(w, r, id)
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := cleanup.ParseMode(req.Mode)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "mode must be dry_run or production")
		return
	}
	id, err := a.svc.Runs.StartRun(r.Context(), mode)
	if err != nil {
		handleRunError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "cleanup.run.requested", map[string]any{
		"run_id": id,
		"mode":   mode.String(),
	})
	w.Header().Set("Location", "/v1/runs/"+id)
	writeJSON(w, http.StatusAccepted, startRunResponse{ID: id, Status: cleanup.StatusRunning})
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := a.svc.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		handleRunError(w, r, err)
		return
	}
	if runs == nil {
		runs = []cleanup.OperationRecord{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Items: runs})
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := a.svc.Runs.GetRunStatus(r.Context(), id)
	if err != nil {
		handleRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) listOutcomes(w http.ResponseWriter, r *http.Request, id string, asCSV bool) {
	outs, err := a.svc.Runs.Outcomes(r.Context(), id)
	if err != nil {
		handleRunError(w, r, err)
		return
	}
	if asCSV {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="duo_cleanup_results_`+id+`.csv"`)
		w.WriteHeader(http.StatusOK)
		_ = cleanup.WriteCSV(w, outs)
		return
	}
	if outs == nil {
		outs = []cleanup.AccountOutcome{}
	}
	writeJSON(w, http.StatusOK, listOutcomesResponse{RunID: id, Items: outs})
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.svc.Runs.Cancel(id); err != nil {
		handleRunError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "cleanup.run.cancel_requested", map[string]any{"run_id": id})
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "canceling"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	st, err := a.svc.Runs.Stats(r.Context())
	if err != nil {
		handleRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Audit == nil {
		writeError(w, r, http.StatusNotImplemented, "audit store not configured")
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 200, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := audit.Filter{
		Username: strings.TrimSpace(q.Get("username")),
		RunID:    strings.TrimSpace(q.Get("run_id")),
		Limit:    limit,
	}
	if raw := strings.TrimSpace(q.Get("action")); raw != "" {
		if f.Action, err = audit.ParseAction(raw); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	entries, err := a.svc.Audit.ListAudit(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Items: entries})
}

func handleRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cleanup.ErrInvalidMode):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, cleanup.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, cleanup.ErrRunInProgress), errors.Is(err, cleanup.ErrRunNotActive):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
