package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
)

// ErrNotFound is returned (wrapped) when a function record or deploy run does not exist.
var ErrNotFound = errors.New("not found")

// Status represents the lifecycle status of a function record
type Status string

const (
	StatusActive    Status = "active"
	StatusBuilding  Status = "building"
	StatusDeploying Status = "deploying"
	StatusFailed    Status = "failed"
	StatusDisabled  Status = "disabled"
)

// IsTransitional returns true while an orchestration run owns the record.
func (s Status) IsTransitional() bool {
	return s == StatusBuilding || s == StatusDeploying
}

// IsUserSettable returns true for statuses a user may set directly.
func (s Status) IsUserSettable() bool {
	return s == StatusActive || s == StatusDisabled
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusActive, StatusBuilding, StatusDeploying, StatusFailed, StatusDisabled:
		return nil
	default:
		return fmt.Errorf("invalid function status: %s", s)
	}
}

// ValidateUserStatus checks a status change requested through plain CRUD.
// Only active and disabled may be set by users, and never while a run is in flight.
func ValidateUserStatus(current, next Status) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if !next.IsUserSettable() {
		return fmt.Errorf("status %s can only be set by a deployment", next)
	}
	if current.IsTransitional() {
		return fmt.Errorf("cannot change status while function is %s", current)
	}
	return nil
}

// FunctionRecord represents a user-authored function
type FunctionRecord struct {
	ID                   string            `json:"id"`
	WorkspaceID          string            `json:"workspaceId"`
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	Runtime              string            `json:"runtime"`
	Memory               int               `json:"memory"`
	Timeout              int               `json:"timeout"`
	HTTPMethods          []string          `json:"httpMethods"`
	EnvironmentVariables map[string]string `json:"environmentVariables"`
	SourceCode           string            `json:"sourceCode"`
	Status               Status            `json:"status"`
	InvocationURL        null.String       `json:"invocationUrl"`
	LastModified         time.Time         `json:"lastModified"`
	LastDeployed         null.Time         `json:"lastDeployed"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// Clone returns a deep copy of the record.
func (r *FunctionRecord) Clone() *FunctionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.HTTPMethods != nil {
		c.HTTPMethods = append([]string(nil), r.HTTPMethods...)
	}
	if r.EnvironmentVariables != nil {
		c.EnvironmentVariables = make(map[string]string, len(r.EnvironmentVariables))
		for k, v := range r.EnvironmentVariables {
			c.EnvironmentVariables[k] = v
		}
	}
	return &c
}

// prepareNew fills the defaults of a record about to be inserted.
func prepareNew(rec *FunctionRecord, now time.Time) {
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = rec.CreatedAt
	}
	if rec.HTTPMethods == nil {
		rec.HTTPMethods = []string{}
	}
	if rec.EnvironmentVariables == nil {
		rec.EnvironmentVariables = map[string]string{}
	}
}

// RunOutcome represents the final (or current) outcome of a deploy run
type RunOutcome string

const (
	RunOutcomeRunning         RunOutcome = "running"
	RunOutcomeSucceeded       RunOutcome = "succeeded"
	RunOutcomeFailed          RunOutcome = "failed"
	RunOutcomeTimedOut        RunOutcome = "timed_out"
	RunOutcomeEndpointPending RunOutcome = "endpoint_pending"
	RunOutcomeCancelled       RunOutcome = "cancelled"
)

// DeployRun is the durable history entry for one orchestration run
type DeployRun struct {
	ID          string      `json:"id"`
	FunctionID  string      `json:"functionId"`
	WorkspaceID string      `json:"workspaceId"`
	Kind        string      `json:"kind"` // deploy, resume
	Outcome     RunOutcome  `json:"outcome"`
	TaskID      null.String `json:"taskId"`
	ImageRef    null.String `json:"imageRef"`
	AppName     null.String `json:"appName"`
	Endpoint    null.String `json:"endpoint"`
	Error       null.String `json:"error"`
	Attempts    int         `json:"attempts"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt null.Time   `json:"completedAt"`
}

// DeployEvent is an append-only progress entry belonging to a run
type DeployEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"runId"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Attempt   int       `json:"attempt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the function record store.
// ApplyPatch must be atomic per record id and merge only the fields set on the patch.
type Store interface {
	Get(ctx context.Context, id string) (*FunctionRecord, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*FunctionRecord, error)
	ApplyPatch(ctx context.Context, id string, patch Patch) (*FunctionRecord, error)
	Create(ctx context.Context, rec *FunctionRecord) error
	Delete(ctx context.Context, id string) error
}

// HistoryStore persists deploy runs and their progress events.
type HistoryStore interface {
	SaveRun(ctx context.Context, run *DeployRun) error
	AppendEvent(ctx context.Context, event *DeployEvent) error
	ListRuns(ctx context.Context, functionID string, limit int) ([]*DeployRun, error)
	ListEvents(ctx context.Context, runID string) ([]*DeployEvent, error)
}
