package deploy

import (
	"errors"
	"fmt"
)

// ErrorKind identifies why a deploy run did not produce an endpoint.
type ErrorKind string

const (
	// KindBuildFailed means the remote build reported failure. The remote
	// message is surfaced verbatim.
	KindBuildFailed ErrorKind = "build_failed"

	// KindBuildResultMissing means the build reported success without an image reference.
	KindBuildResultMissing ErrorKind = "build_result_missing"

	// KindBuildTimeout means polling hit its ceiling without a terminal phase.
	// The remote build may still be running; no cancellation is sent.
	KindBuildTimeout ErrorKind = "build_timeout"

	// KindEndpointPending means the deploy was accepted but no endpoint is
	// assigned yet. Callers should retry after a short delay.
	KindEndpointPending ErrorKind = "endpoint_pending"

	// KindAlreadyDeploying means another run for the same function is in flight.
	KindAlreadyDeploying ErrorKind = "already_deploying"

	// KindRecordReconciliationFailed means the final status write to the
	// record store failed.
	KindRecordReconciliationFailed ErrorKind = "record_reconciliation_failed"

	// KindContractViolation means a remote service answered outside its contract,
	// for example with an unknown task phase.
	KindContractViolation ErrorKind = "contract_violation"

	// KindRemoteUnavailable means a remote call failed at the transport level
	// or returned a non-success status.
	KindRemoteUnavailable ErrorKind = "remote_unavailable"

	// KindCancelled means the caller cancelled the run.
	KindCancelled ErrorKind = "cancelled"

	// KindNotFound means the function record does not exist.
	KindNotFound ErrorKind = "not_found"

	// KindInvalidRequest means the deploy request failed validation.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindPolicyDenied means the admission policy rejected the deploy.
	KindPolicyDenied ErrorKind = "policy_denied"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed when the caller retries.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a concurrent run owns the function.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates retrying the same request will fail again.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Class returns the retry classification of the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindEndpointPending, KindRemoteUnavailable, KindBuildTimeout, KindRecordReconciliationFailed:
		return ErrorClassTransient
	case KindAlreadyDeploying:
		return ErrorClassConflict
	default:
		return ErrorClassPermanent
	}
}

// DeployError is the error returned by the orchestrator.
// nolint:revive // DeployError reads better than Error at call sites
type DeployError struct {
	// Kind is the failure category.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	FunctionID string `json:"function_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`

	// Attempts is the number of task polls performed before the failure.
	Attempts int `json:"attempts,omitempty"`

	// AppName and ImageRef let a caller resume an EndpointPending deploy.
	AppName  string `json:"app_name,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`

	// Endpoint is set when the deploy succeeded but the record write did not.
	Endpoint string `json:"endpoint,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Reconciliation holds a secondary failure to persist the failed status.
	// It never replaces the primary error.
	Reconciliation error `json:"-"`
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.FunctionID != "" {
		msg = fmt.Sprintf("%s (function=%s)", msg, e.FunctionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeployError) Unwrap() error {
	return e.Err
}

// Is matches another DeployError of the same kind, so the sentinels below
// work with errors.Is.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrBuildFailed                = &DeployError{Kind: KindBuildFailed}
	ErrBuildResultMissing         = &DeployError{Kind: KindBuildResultMissing}
	ErrBuildTimeout               = &DeployError{Kind: KindBuildTimeout}
	ErrEndpointPending            = &DeployError{Kind: KindEndpointPending}
	ErrAlreadyDeploying           = &DeployError{Kind: KindAlreadyDeploying}
	ErrRecordReconciliationFailed = &DeployError{Kind: KindRecordReconciliationFailed}
	ErrContractViolation          = &DeployError{Kind: KindContractViolation}
	ErrRemoteUnavailable          = &DeployError{Kind: KindRemoteUnavailable}
	ErrCancelled                  = &DeployError{Kind: KindCancelled}
	ErrNotFound                   = &DeployError{Kind: KindNotFound}
	ErrInvalidRequest             = &DeployError{Kind: KindInvalidRequest}
	ErrPolicyDenied               = &DeployError{Kind: KindPolicyDenied}
)

func newError(kind ErrorKind, functionID, message string, err error) *DeployError {
	return &DeployError{
		Kind:       kind,
		Message:    message,
		FunctionID: functionID,
		Err:        err,
	}
}

// KindOf returns the kind of a DeployError anywhere in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable returns true if a caller-initiated retry may succeed.
func IsRetryable(err error) bool {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Kind.Class() != ErrorClassPermanent
	}
	return false
}

// IsTerminal returns true for failures that mark the function as failed.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindBuildFailed, KindBuildResultMissing, KindBuildTimeout, KindContractViolation, KindRemoteUnavailable:
		return true
	default:
		return false
	}
}
