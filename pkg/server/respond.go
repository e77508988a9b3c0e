package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fnforge/fnforge/pkg/deploy"
	"github.com/fnforge/fnforge/pkg/stores"
)

// Runtimes lists the runtimes functions may be created with.
var Runtimes = []string{
	"Python 3.12",
	"Python 3.11",
	"Node.js 20",
	"Node.js 18",
	"Go 1.22",
}

// Error codes carried in error responses.
const (
	codeValidation = "VALIDATION_ERROR"
	codeNotFound   = "NOT_FOUND"
	codeConflict   = "CONFLICT"
	codeDenied     = "POLICY_DENIED"
	codeInternal   = "INTERNAL_ERROR"
)

type errorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("runtime", func(fl validator.FieldLevel) bool {
		return isKnownRuntime(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})
	return v
}

func isKnownRuntime(runtime string) bool {
	for _, r := range Runtimes {
		if r == runtime {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, errorResponse{Error: message, Code: code, Details: details})
}

// writeValidation reports validator failures keyed by JSON field name.
func writeValidation(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fmt.Sprintf("failed %q rule", fe.Tag())
	}
	writeError(w, http.StatusBadRequest, codeValidation, "invalid request", fields)
}

// writeStoreError maps store errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, stores.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error(), nil)
		return
	}
	writeError(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
}

// writeDeployError maps orchestrator errors to HTTP statuses.
func writeDeployError(w http.ResponseWriter, err error) {
	var de *deploy.DeployError
	if !errors.As(err, &de) {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
		return
	}

	details := map[string]interface{}{"kind": de.Kind}
	switch de.Kind {
	case deploy.KindAlreadyDeploying:
		writeError(w, http.StatusConflict, codeConflict, de.Error(), details)
	case deploy.KindNotFound:
		writeError(w, http.StatusNotFound, codeNotFound, de.Error(), details)
	case deploy.KindInvalidRequest:
		writeError(w, http.StatusBadRequest, codeValidation, de.Error(), details)
	case deploy.KindPolicyDenied:
		writeError(w, http.StatusForbidden, codeDenied, de.Error(), details)
	default:
		writeError(w, http.StatusBadGateway, string(de.Kind), de.Error(), details)
	}
}

const maxBodyBytes = 10 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
