package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fnforge/fnforge/pkg/deploy"
	"github.com/fnforge/fnforge/pkg/stores"
)

// createFunctionRequest is the body of POST /api/workspaces/{ws}/functions.
// Source is given either base64 encoded in code or as plain sourceCode.
type createFunctionRequest struct {
	Name                 string            `json:"name" validate:"required"`
	Description          string            `json:"description"`
	Runtime              string            `json:"runtime" validate:"required,runtime"`
	Memory               int               `json:"memory" validate:"min=128,max=1024"`
	Timeout              int               `json:"timeout" validate:"min=1,max=900"`
	HTTPMethods          []string          `json:"httpMethods" validate:"required,min=1,dive,oneof=GET POST PUT PATCH DELETE"`
	EnvironmentVariables map[string]string `json:"environmentVariables"`
	Code                 string            `json:"code" validate:"omitempty,base64"`
	SourceCode           string            `json:"sourceCode" validate:"required_without=Code"`
}

func defaultCreateRequest() createFunctionRequest {
	return createFunctionRequest{
		Runtime:     "Python 3.12",
		Memory:      256,
		Timeout:     30,
		HTTPMethods: []string{"GET", "POST"},
	}
}

type deployRequest struct {
	SourceCode string `json:"sourceCode"`
}

type resumeRequest struct {
	AppName  string `json:"appName" validate:"required"`
	ImageRef string `json:"imageRef" validate:"required"`
}

type runAccepted struct {
	RunID      string `json:"runId"`
	FunctionID string `json:"functionId"`
	Kind       string `json:"kind"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     s.version,
		"active_runs": len(s.orch.ActiveRuns()),
		"ws_clients":  s.hub.Clients(),
	})
}

func (s *Server) listFunctions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.records.ListByWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) createFunction(w http.ResponseWriter, r *http.Request) {
	req := defaultCreateRequest()
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidation(w, err)
		return
	}

	source := req.SourceCode
	if req.Code != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Code)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid base64 encoded code", map[string]string{"field": "code"})
			return
		}
		source = string(decoded)
	}

	rec := &stores.FunctionRecord{
		ID:                   uuid.NewString(),
		WorkspaceID:          chi.URLParam(r, "workspaceID"),
		Name:                 req.Name,
		Description:          req.Description,
		Runtime:              req.Runtime,
		Memory:               req.Memory,
		Timeout:              req.Timeout,
		HTTPMethods:          req.HTTPMethods,
		EnvironmentVariables: req.EnvironmentVariables,
		SourceCode:           source,
		Status:               stores.StatusActive,
	}
	if err := s.records.Create(r.Context(), rec); err != nil {
		writeStoreError(w, err)
		return
	}

	s.logger.Info().
		Str("function_id", rec.ID).
		Str("workspace_id", rec.WorkspaceID).
		Msg("Function created")
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getFunction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "functionID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// patchFunction applies a user edit. Deploy-owned fields cannot be set and
// status may only move to active or disabled while no run owns the function.
func (s *Server) patchFunction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "functionID")

	var raw map[string]json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	for _, field := range []string{"invocationUrl", "lastDeployed", "id", "workspaceId"} {
		if _, ok := raw[field]; ok {
			writeError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("field %s cannot be changed", field), map[string]string{"field": field})
			return
		}
	}

	var decoded *string
	if code, ok := raw["code"]; ok {
		delete(raw, "code")
		var encoded string
		if err := json.Unmarshal(code, &encoded); err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "code must be a string", map[string]string{"field": "code"})
			return
		}
		src, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid base64 encoded code", map[string]string{"field": "code"})
			return
		}
		decoded = stores.Ptr(string(src))
	}

	body, _ := json.Marshal(raw)
	var patch stores.Patch
	if err := json.Unmarshal(body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	if decoded != nil {
		patch.SourceCode = decoded
	}
	if patch.IsEmpty() {
		writeError(w, http.StatusBadRequest, codeValidation, "nothing to update", nil)
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	if patch.Runtime != nil && !isKnownRuntime(*patch.Runtime) {
		writeError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("unsupported runtime %s", *patch.Runtime), map[string]string{"field": "runtime"})
		return
	}

	if patch.Status == nil {
		s.applyPatch(w, r, id, patch)
		return
	}

	// The hold keeps a deploy from starting between the status check and
	// the write.
	if err := s.orch.Exclusive(id, func() error {
		current, err := s.records.Get(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return nil
		}
		if err := stores.ValidateUserStatus(current.Status, *patch.Status); err != nil {
			writeError(w, http.StatusConflict, codeConflict, err.Error(), map[string]string{"field": "status"})
			return nil
		}
		s.applyPatch(w, r, id, patch)
		return nil
	}); err != nil {
		writeError(w, http.StatusConflict, codeConflict, "a deployment for this function is in progress", nil)
	}
}

func (s *Server) applyPatch(w http.ResponseWriter, r *http.Request, id string, patch stores.Patch) {
	rec, err := s.records.ApplyPatch(r.Context(), id, patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteFunction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "functionID")
	if err := s.orch.Exclusive(id, func() error {
		if err := s.records.Delete(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return nil
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}); err != nil {
		writeError(w, http.StatusConflict, codeConflict, "a deployment for this function is in progress", nil)
	}
}

// startDeploy claims the function and runs the deploy in the background.
// The body is optional.
func (s *Server) startDeploy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "functionID")

	var body deployRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
			return
		}
	}

	runID, err := s.orch.Start(s.runCtx, deploy.Request{FunctionID: id, SourceCode: body.SourceCode})
	if err != nil {
		writeDeployError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runAccepted{RunID: runID, FunctionID: id, Kind: string(deploy.RunKindDeploy)})
}

func (s *Server) startResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "functionID")

	var body resumeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeValidation(w, err)
		return
	}

	runID, err := s.orch.StartResume(s.runCtx, deploy.ResumeRequest{
		FunctionID: id,
		AppName:    body.AppName,
		ImageRef:   body.ImageRef,
	})
	if err != nil {
		writeDeployError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runAccepted{RunID: runID, FunctionID: id, Kind: string(deploy.RunKindResume)})
}

func (s *Server) cancelDeploy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "functionID")
	run, ok := s.orch.Active(id)
	if !ok || !s.orch.Cancel(id) {
		writeError(w, http.StatusNotFound, codeNotFound, "no deployment in progress", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, runAccepted{RunID: run.RunID, FunctionID: id, Kind: string(run.Kind)})
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ActiveRuns())
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []*stores.DeployRun{})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, codeValidation, "limit must be a positive integer", map[string]string{"field": "limit"})
			return
		}
		limit = n
	}

	runs, err := s.history.ListRuns(r.Context(), chi.URLParam(r, "functionID"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []*stores.DeployEvent{})
		return
	}
	events, err := s.history.ListEvents(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.policies.ListPolicies())
}
