package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null/v6"

	"github.com/fnforge/fnforge/pkg/stores"
)

// RunKind distinguishes a full pipeline run from a resumed deploy step.
type RunKind string

const (
	// RunKindDeploy packages, builds, polls and deploys.
	RunKindDeploy RunKind = "deploy"

	// RunKindResume re-issues only the deploy step for an already built image.
	RunKindResume RunKind = "resume"
)

// Request starts a full deploy of one function.
type Request struct {
	// FunctionID identifies the function record to deploy.
	FunctionID string `json:"function_id" validate:"required"`

	// SourceCode overrides the stored source. When empty the record's source is used.
	SourceCode string `json:"source_code,omitempty"`

	// RunID is optional. A random id is generated when empty.
	RunID string `json:"run_id,omitempty" validate:"omitempty,uuid"`
}

// ResumeRequest re-issues the deploy step after an EndpointPending outcome.
type ResumeRequest struct {
	FunctionID string `json:"function_id" validate:"required"`
	AppName    string `json:"app_name" validate:"required"`
	ImageRef   string `json:"image_ref" validate:"required"`
	RunID      string `json:"run_id,omitempty" validate:"omitempty,uuid"`
}

// DeploymentTask tracks the remote build task owned by one run.
type DeploymentTask struct {
	TaskID   string      `json:"task_id"`
	Phase    Phase       `json:"phase"`
	ImageRef null.String `json:"image_ref"`
	Error    null.String `json:"error"`
	Attempts int         `json:"attempts"`
}

// Artifact is the packaged source uploaded to the build service.
type Artifact struct {
	Filename string
	Content  []byte
}

// BuildRequest is the payload of a build-and-push call.
type BuildRequest struct {
	Artifact    Artifact
	RegistryURL string
	Username    string
	Password    string
	Tag         string
	AppName     string
	WorkspaceID string
}

// BuildTicket is the build service's answer to a build-and-push call.
type BuildTicket struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TaskStatus is one observation of a remote build task. Status is the raw,
// unparsed phase string.
type TaskStatus struct {
	TaskID   string
	Status   string
	ImageRef null.String
	Error    null.String
}

// ClusterDeployRequest is the payload of a deploy call.
type ClusterDeployRequest struct {
	Namespace         string `json:"namespace"`
	ImageRef          string `json:"image_ref"`
	FunctionID        string `json:"function_id"`
	EnableAutoscaling bool   `json:"enable_autoscaling"`
	UseSpot           bool   `json:"use_spot"`
	AppName           string `json:"app_name,omitempty"`
}

// ClusterDeployment is the deployment service's answer to a deploy call.
// A null Endpoint means the service has not been assigned an address yet.
type ClusterDeployment struct {
	AppName           string      `json:"app_name"`
	Namespace         string      `json:"namespace"`
	ServiceName       string      `json:"service_name"`
	ServiceStatus     string      `json:"service_status"`
	Endpoint          null.String `json:"endpoint"`
	EnableAutoscaling bool        `json:"enable_autoscaling"`
	UseSpot           bool        `json:"use_spot"`
	Error             null.String `json:"error"`
}

// BuildService triggers remote builds and reports task progress.
type BuildService interface {
	BuildAndPush(ctx context.Context, req BuildRequest) (*BuildTicket, error)
	TaskStatus(ctx context.Context, taskID, workspaceID string) (*TaskStatus, error)
}

// ClusterService deploys built images.
type ClusterService interface {
	Deploy(ctx context.Context, req ClusterDeployRequest) (*ClusterDeployment, error)
}

// RecordStore is the part of the function record store the orchestrator needs.
// ApplyPatch must be atomic per id.
type RecordStore interface {
	Get(ctx context.Context, id string) (*stores.FunctionRecord, error)
	ApplyPatch(ctx context.Context, id string, patch stores.Patch) (*stores.FunctionRecord, error)
}

// History persists runs and their progress events.
type History = stores.HistoryStore

// AdmissionFunction is the function part of an admission input.
type AdmissionFunction struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AppName     string `json:"app_name"`
	WorkspaceID string `json:"workspace_id"`
	Runtime     string `json:"runtime"`
	Memory      int    `json:"memory"`
	Timeout     int    `json:"timeout"`
}

// AdmissionDeploy is the deploy-target part of an admission input.
type AdmissionDeploy struct {
	Namespace         string `json:"namespace"`
	EnableAutoscaling bool   `json:"enable_autoscaling"`
	UseSpot           bool   `json:"use_spot"`
	RegistryURL       string `json:"registry_url"`
}

// AdmissionInput is what an admission policy is evaluated against.
type AdmissionInput struct {
	Function AdmissionFunction `json:"function"`
	Deploy   AdmissionDeploy   `json:"deploy"`
}

// NewAdmissionInput describes deploying rec as appName with the target settings of cfg.
func NewAdmissionInput(rec *stores.FunctionRecord, appName string, cfg Config) AdmissionInput {
	return AdmissionInput{
		Function: AdmissionFunction{
			ID:          rec.ID,
			Name:        rec.Name,
			AppName:     appName,
			WorkspaceID: rec.WorkspaceID,
			Runtime:     rec.Runtime,
			Memory:      rec.Memory,
			Timeout:     rec.Timeout,
		},
		Deploy: AdmissionDeploy{
			Namespace:         cfg.Namespace,
			EnableAutoscaling: cfg.EnableAutoscaling,
			UseSpot:           cfg.UseSpot,
			RegistryURL:       cfg.RegistryURL,
		},
	}
}

// AdmissionViolation is one policy finding.
type AdmissionViolation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// AdmissionDecision is the outcome of evaluating all policies.
type AdmissionDecision struct {
	Allowed    bool                 `json:"allowed"`
	Violations []AdmissionViolation `json:"violations,omitempty"`
}

// Admission decides whether a deploy may proceed.
type Admission interface {
	Admit(ctx context.Context, input AdmissionInput) (*AdmissionDecision, error)
}

// Config holds the orchestrator settings.
type Config struct {
	RegistryURL      string `koanf:"registry_url" yaml:"registry_url" validate:"required"`
	RegistryUsername string `koanf:"registry_username" yaml:"registry_username"`
	RegistryPassword string `koanf:"registry_password" yaml:"registry_password"`

	// TagScheme is sent as the build tag.
	TagScheme string `koanf:"tag_scheme" yaml:"tag_scheme" validate:"required"`

	MaxAttempts  int           `koanf:"max_attempts" yaml:"max_attempts" validate:"min=1"`
	PollInterval time.Duration `koanf:"poll_interval" yaml:"poll_interval" validate:"gt=0"`

	Namespace         string `koanf:"namespace" yaml:"namespace" validate:"required"`
	EnableAutoscaling bool   `koanf:"enable_autoscaling" yaml:"enable_autoscaling"`
	UseSpot           bool   `koanf:"use_spot" yaml:"use_spot"`

	// ProgressBuffer is the default capacity of progress channels created by callers.
	ProgressBuffer int `koanf:"progress_buffer" yaml:"progress_buffer" validate:"min=0"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		RegistryURL:       "registry.fnforge.local",
		TagScheme:         "sha256",
		MaxAttempts:       120,
		PollInterval:      5 * time.Second,
		Namespace:         "default",
		EnableAutoscaling: true,
		UseSpot:           false,
		ProgressBuffer:    32,
	}
}

// BuildTimeout returns the wall-clock ceiling of the poll loop.
func (c Config) BuildTimeout() time.Duration {
	return time.Duration(c.MaxAttempts) * c.PollInterval
}

func (c Config) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	return nil
}
