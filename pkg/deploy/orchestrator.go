package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/fnforge/fnforge/pkg/stores"
	"github.com/fnforge/fnforge/pkg/telemetry"
)

// Orchestrator drives functions through build, poll, deploy and record
// reconciliation. It is safe for concurrent use; runs for the same function
// are serialized by rejecting the second one.
type Orchestrator struct {
	cfg       Config
	builds    BuildService
	cluster   ClusterService
	records   RecordStore
	history   History
	admission Admission
	clock     clockwork.Clock
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	validate  *validator.Validate
	inflight  *inflight
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the real clock, typically with a fake one in tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithTelemetry sets the logger, tracer, metrics and event publisher.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		if tel != nil {
			o.tel = tel
		}
	}
}

// WithAdmission gates every run with an admission policy.
func WithAdmission(a Admission) Option {
	return func(o *Orchestrator) { o.admission = a }
}

// WithHistory records runs and their events.
func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// New creates an orchestrator.
func New(cfg Config, builds BuildService, cluster ClusterService, records RecordStore, opts ...Option) (*Orchestrator, error) {
	if builds == nil || cluster == nil || records == nil {
		return nil, fmt.Errorf("build service, cluster service and record store are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		builds:   builds,
		cluster:  cluster,
		records:  records,
		clock:    clockwork.NewRealClock(),
		tel:      telemetry.NewNopTelemetry(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		inflight: newInflight(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.tel.Logger.NewComponentLogger("orchestrator")

	return o, nil
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// run is the mutable state of one orchestration run.
type run struct {
	id         string
	kind       RunKind
	functionID string
	ctx        context.Context
	cancel     context.CancelFunc
	span       trace.Span
	logger     *telemetry.Logger
	progress   *Progress
	started    time.Time

	state   State
	status  stores.Status
	touched bool
	task    DeploymentTask
	appName string
	record  *stores.DeployRun
}

// Deploy packages, builds and deploys a function and returns its endpoint.
// progress may be nil. It is closed when Deploy returns.
func (o *Orchestrator) Deploy(ctx context.Context, req Request, progress *Progress) (string, error) {
	defer progress.close()

	if err := o.validate.Struct(req); err != nil {
		return "", o.reject(newError(KindInvalidRequest, req.FunctionID, "invalid deploy request", err))
	}
	r, err := o.begin(ctx, RunKindDeploy, req.FunctionID, req.RunID, progress)
	if err != nil {
		return "", err
	}
	endpoint, err := o.runDeploy(r, req)
	return o.finish(r, endpoint, err)
}

// Resume re-issues only the deploy step for an image that was already built,
// typically after an EndpointPending outcome. progress may be nil.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest, progress *Progress) (string, error) {
	defer progress.close()

	if err := o.validate.Struct(req); err != nil {
		return "", o.reject(newError(KindInvalidRequest, req.FunctionID, "invalid resume request", err))
	}
	r, err := o.begin(ctx, RunKindResume, req.FunctionID, req.RunID, progress)
	if err != nil {
		return "", err
	}
	endpoint, err := o.runResume(r, req)
	return o.finish(r, endpoint, err)
}

// Start runs Deploy in the background once the function has been claimed.
// It returns the run id, or AlreadyDeploying without starting anything.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	if err := o.validate.Struct(req); err != nil {
		return "", o.reject(newError(KindInvalidRequest, req.FunctionID, "invalid deploy request", err))
	}
	r, err := o.begin(ctx, RunKindDeploy, req.FunctionID, req.RunID, nil)
	if err != nil {
		return "", err
	}
	go func() {
		endpoint, err := o.runDeploy(r, req)
		_, _ = o.finish(r, endpoint, err)
	}()
	return r.id, nil
}

// StartResume runs Resume in the background once the function has been claimed.
func (o *Orchestrator) StartResume(ctx context.Context, req ResumeRequest) (string, error) {
	if err := o.validate.Struct(req); err != nil {
		return "", o.reject(newError(KindInvalidRequest, req.FunctionID, "invalid resume request", err))
	}
	r, err := o.begin(ctx, RunKindResume, req.FunctionID, req.RunID, nil)
	if err != nil {
		return "", err
	}
	go func() {
		endpoint, err := o.runResume(r, req)
		_, _ = o.finish(r, endpoint, err)
	}()
	return r.id, nil
}

// Cancel cancels the in-flight run of a function. It reports whether a run was found.
func (o *Orchestrator) Cancel(functionID string) bool {
	ok := o.inflight.cancel(functionID)
	if ok {
		o.logger.WithFunctionID(functionID).Info("cancellation requested")
	}
	return ok
}

// Active returns the run currently owning a function, if any.
func (o *Orchestrator) Active(functionID string) (ActiveRun, bool) {
	return o.inflight.get(functionID)
}

// Exclusive runs fn while no deploy or resume can start for functionID.
// It returns AlreadyDeploying without calling fn if a run owns the function.
func (o *Orchestrator) Exclusive(functionID string, fn func() error) error {
	if !o.inflight.hold(functionID) {
		return newError(KindAlreadyDeploying, functionID, "a deployment for this function is in progress", nil)
	}
	defer o.inflight.unhold(functionID)
	return fn()
}

// ActiveRuns lists all in-flight runs.
func (o *Orchestrator) ActiveRuns() []ActiveRun {
	return o.inflight.list()
}

func (o *Orchestrator) reject(err *DeployError) error {
	o.tel.Metrics.RecordRunRejected(string(err.Kind))
	o.logger.WithFunctionID(err.FunctionID).WithError(err).Warn("deploy request rejected")
	return err
}

// begin claims the function and sets up the run. No store access happens here.
func (o *Orchestrator) begin(ctx context.Context, kind RunKind, functionID, runID string, progress *Progress) (*run, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)

	active := ActiveRun{
		RunID:      runID,
		FunctionID: functionID,
		Kind:       kind,
		StartedAt:  o.clock.Now(),
	}
	if !o.inflight.acquire(active, cancel) {
		cancel()
		return nil, o.reject(newError(KindAlreadyDeploying, functionID, "a deployment for this function is already in progress", nil))
	}

	spanCtx, span := o.tel.Tracer.StartRunSpan(runCtx, runID, functionID, string(kind))
	logger := o.logger.WithRunID(runID).WithFunctionID(functionID).WithField("kind", string(kind))

	r := &run{
		id:         runID,
		kind:       kind,
		functionID: functionID,
		ctx:        logger.WithContext(spanCtx),
		cancel:     cancel,
		span:       span,
		logger:     logger,
		progress:   progress,
		started:    active.StartedAt,
		state:      StateIdle,
	}

	o.tel.Metrics.RecordRunStarted(string(kind))
	_ = o.tel.Events.PublishRunStarted(runID, functionID, "", string(kind))
	logger.Info("run started")

	return r, nil
}

func (o *Orchestrator) runDeploy(r *run, req Request) (string, error) {
	o.enter(r, StatePreparing, Event{Message: "Preparing code..."})

	rec, err := o.load(r)
	if err != nil {
		return "", err
	}

	source := req.SourceCode
	if source == "" {
		source = rec.SourceCode
	}
	if strings.TrimSpace(source) == "" {
		return "", newError(KindInvalidRequest, r.functionID, "function has no source code", nil)
	}
	artifact := NewArtifact(rec.Name, rec.Runtime, source)
	r.appName = AppName(rec.Name)

	if err := o.admit(r, rec); err != nil {
		return "", err
	}

	r.touched = true
	if err := o.setStatus(r, stores.Patch{Status: stores.Ptr(stores.StatusBuilding)}); err != nil {
		return "", o.classify(r, "failed to mark function as building", err)
	}

	var ticket *BuildTicket
	err = telemetry.RecordRemoteOperation(r.ctx, o.tel, "build", "build_and_push", func(ctx context.Context) error {
		var err error
		ticket, err = o.builds.BuildAndPush(ctx, BuildRequest{
			Artifact:    artifact,
			RegistryURL: o.cfg.RegistryURL,
			Username:    o.cfg.RegistryUsername,
			Password:    o.cfg.RegistryPassword,
			Tag:         o.cfg.TagScheme,
			AppName:     r.appName,
			WorkspaceID: rec.WorkspaceID,
		})
		return err
	})
	if err != nil {
		return "", o.classify(r, "failed to trigger build", err)
	}
	if ticket == nil || ticket.TaskID == "" {
		return "", newError(KindContractViolation, r.functionID, "build service returned no task id", nil)
	}
	r.task.TaskID = ticket.TaskID
	r.logger = r.logger.WithTaskID(ticket.TaskID)
	r.span.SetAttributes(telemetry.AttrTaskID.String(ticket.TaskID))

	o.enter(r, StateBuilding, Event{
		Message: fmt.Sprintf("Build started (task %s)", ticket.TaskID),
		TaskID:  ticket.TaskID,
	})

	imageRef, err := o.poll(r, rec.WorkspaceID)
	if err != nil {
		return "", err
	}

	return o.deployImage(r, imageRef, "")
}

func (o *Orchestrator) runResume(r *run, req ResumeRequest) (string, error) {
	o.enter(r, StatePreparing, Event{Message: "Preparing deploy..."})

	rec, err := o.load(r)
	if err != nil {
		return "", err
	}
	r.appName = req.AppName

	if err := o.admit(r, rec); err != nil {
		return "", err
	}

	r.touched = true
	return o.deployImage(r, req.ImageRef, req.AppName)
}

// load fetches the function record and opens the history entry of the run.
func (o *Orchestrator) load(r *run) (*stores.FunctionRecord, error) {
	rec, err := o.records.Get(r.ctx, r.functionID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, newError(KindNotFound, r.functionID, "function not found", err)
		}
		return nil, o.classify(r, "failed to load function record", err)
	}
	r.status = rec.Status
	r.logger = r.logger.WithWorkspaceID(rec.WorkspaceID)
	r.span.SetAttributes(telemetry.AttrWorkspaceID.String(rec.WorkspaceID))

	if o.history != nil {
		r.record = &stores.DeployRun{
			ID:          r.id,
			FunctionID:  r.functionID,
			WorkspaceID: rec.WorkspaceID,
			Kind:        string(r.kind),
			Outcome:     stores.RunOutcomeRunning,
			StartedAt:   r.started,
		}
		if err := o.history.SaveRun(r.ctx, r.record); err != nil {
			r.logger.WithError(err).Warn("failed to save deploy run")
		}
		// The preparing event was emitted before the run was saved.
		o.recordEvent(r, StatePreparing, "Run started", 0)
	}

	return rec, nil
}

// admit evaluates the admission policy, if one is configured.
func (o *Orchestrator) admit(r *run, rec *stores.FunctionRecord) error {
	if o.admission == nil {
		return nil
	}

	input := NewAdmissionInput(rec, r.appName, o.cfg)

	decision, err := o.admission.Admit(r.ctx, input)
	if err != nil {
		o.tel.Metrics.RecordPolicyDecision("error")
		return newError(KindPolicyDenied, r.functionID, "failed to evaluate admission policy", err)
	}

	for _, v := range decision.Violations {
		r.logger.WithFields(map[string]interface{}{
			"policy":   v.Policy,
			"severity": v.Severity,
		}).Warn(v.Message)
	}

	if !decision.Allowed {
		o.tel.Metrics.RecordPolicyDecision("deny")
		msgs := make([]string, 0, len(decision.Violations))
		for _, v := range decision.Violations {
			if v.Severity == "warning" {
				continue
			}
			_ = o.tel.Events.PublishPolicyViolation(r.functionID, v.Policy, v.Message)
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
		return newError(KindPolicyDenied, r.functionID, "deploy denied by policy: "+strings.Join(msgs, "; "), nil)
	}

	o.tel.Metrics.RecordPolicyDecision("allow")
	return nil
}

// poll waits for the build task to reach a terminal phase and returns its image ref.
func (o *Orchestrator) poll(r *run, workspaceID string) (string, error) {
	maxAttempts := o.cfg.MaxAttempts

	// The ceiling runs from the first poll. Once it has passed the loop
	// stops without sleeping again.
	var deadline time.Time
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && o.clock.Now().After(deadline) {
			break
		}
		select {
		case <-r.ctx.Done():
			return "", o.cancelled(r, r.ctx.Err())
		case <-o.clock.After(o.cfg.PollInterval):
		}
		if attempt == 1 {
			deadline = o.clock.Now().Add(o.cfg.BuildTimeout())
		} else if o.clock.Now().After(deadline) {
			break
		}

		r.task.Attempts = attempt

		var status *TaskStatus
		err := telemetry.RecordRemoteOperation(r.ctx, o.tel, "build", "task_status", func(ctx context.Context) error {
			var err error
			status, err = o.builds.TaskStatus(ctx, r.task.TaskID, workspaceID)
			return err
		})
		if err != nil {
			return "", o.classify(r, "failed to query build task", err)
		}

		phase, err := ParsePhase(status.Status)
		if err != nil {
			return "", newError(KindContractViolation, r.functionID, "build service reported an unknown phase", err)
		}
		r.task.Phase = phase
		r.task.ImageRef = status.ImageRef
		r.task.Error = status.Error

		o.enter(r, StatePolling, Event{
			Message: fmt.Sprintf("Build %s (attempt %d/%d)", phase, attempt, maxAttempts),
			TaskID:  r.task.TaskID,
			Phase:   phase,
			Attempt: attempt,
		})

		switch phase {
		case PhaseCompleted:
			o.tel.Metrics.RecordPollAttempts(string(phase), attempt)
			if !status.ImageRef.Valid || status.ImageRef.String == "" {
				return "", newError(KindBuildResultMissing, r.functionID, "build completed without an image reference", nil)
			}
			r.span.SetAttributes(telemetry.AttrImageRef.String(status.ImageRef.String))
			return status.ImageRef.String, nil

		case PhaseFailed:
			o.tel.Metrics.RecordPollAttempts(string(phase), attempt)
			msg := status.Error.ValueOrZero()
			if msg == "" {
				msg = "build failed"
			}
			return "", newError(KindBuildFailed, r.functionID, msg, nil)
		}
	}

	o.tel.Metrics.RecordPollAttempts(string(r.task.Phase), r.task.Attempts)
	return "", newError(KindBuildTimeout, r.functionID,
		fmt.Sprintf("build did not finish within %s (%d attempts)", o.cfg.BuildTimeout(), r.task.Attempts), nil)
}

// deployImage runs the deploy step. appName is empty on a first deploy.
func (o *Orchestrator) deployImage(r *run, imageRef, appName string) (string, error) {
	r.task.ImageRef = null.StringFrom(imageRef)
	if err := o.setStatus(r, stores.Patch{Status: stores.Ptr(stores.StatusDeploying)}); err != nil {
		return "", o.classify(r, "failed to mark function as deploying", err)
	}
	o.enter(r, StateDeploying, Event{Message: fmt.Sprintf("Deploying image %s", imageRef)})

	var dep *ClusterDeployment
	err := telemetry.RecordRemoteOperation(r.ctx, o.tel, "cluster", "deploy", func(ctx context.Context) error {
		var err error
		dep, err = o.cluster.Deploy(ctx, ClusterDeployRequest{
			Namespace:         o.cfg.Namespace,
			ImageRef:          imageRef,
			FunctionID:        r.functionID,
			EnableAutoscaling: o.cfg.EnableAutoscaling,
			UseSpot:           o.cfg.UseSpot,
			AppName:           appName,
		})
		return err
	})
	if err != nil {
		return "", o.classify(r, "failed to deploy image", err)
	}
	if dep == nil {
		return "", newError(KindContractViolation, r.functionID, "deployment service returned an empty response", nil)
	}
	if msg := dep.Error.ValueOrZero(); msg != "" {
		return "", newError(KindRemoteUnavailable, r.functionID, "deployment service reported an error: "+msg, nil)
	}

	if dep.AppName != "" {
		r.appName = dep.AppName
	} else if appName != "" {
		r.appName = appName
	}

	if !dep.Endpoint.Valid || dep.Endpoint.String == "" {
		e := newError(KindEndpointPending, r.functionID, "deployment accepted but no endpoint is assigned yet", nil)
		e.AppName = r.appName
		e.ImageRef = imageRef
		return "", e
	}

	endpoint := dep.Endpoint.String
	if err := o.setStatus(r, stores.Patch{
		Status:        stores.Ptr(stores.StatusActive),
		InvocationURL: stores.Ptr(null.StringFrom(endpoint)),
		LastDeployed:  stores.Ptr(null.TimeFrom(o.clock.Now())),
	}); err != nil {
		// Both errors carry the endpoint of the live app.
		var e *DeployError
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			e = newError(KindCancelled, r.functionID, "deployed but cancelled before the endpoint was recorded", ctxErr)
		} else {
			o.tel.Metrics.RecordReconciliationFailure(string(stores.StatusActive))
			e = newError(KindRecordReconciliationFailed, r.functionID, "deployed but failed to record the endpoint", err)
		}
		e.Endpoint = endpoint
		e.AppName = r.appName
		e.ImageRef = imageRef
		return "", e
	}

	return endpoint, nil
}

// setStatus applies a status patch. Writes never observe run cancellation
// once issued so that a status is not left half-applied.
func (o *Orchestrator) setStatus(r *run, patch stores.Patch) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if _, err := o.records.ApplyPatch(context.WithoutCancel(r.ctx), r.functionID, patch); err != nil {
		return err
	}
	if patch.Status != nil {
		_ = o.tel.Events.PublishStatusChanged(r.functionID, string(r.status), string(*patch.Status))
		r.status = *patch.Status
	}
	return nil
}

// classify turns a collaborator error into a DeployError.
func (o *Orchestrator) classify(r *run, message string, err error) error {
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return o.cancelled(r, ctxErr)
	}
	var de *DeployError
	if errors.As(err, &de) {
		return de
	}
	return newError(KindRemoteUnavailable, r.functionID, message, err)
}

func (o *Orchestrator) cancelled(r *run, err error) error {
	return newError(KindCancelled, r.functionID, "deployment cancelled", err)
}

// enter moves the run to state and reports it.
func (o *Orchestrator) enter(r *run, state State, ev Event) {
	if r.state != state {
		r.logger.WithFields(map[string]interface{}{
			"from": string(r.state),
			"to":   string(state),
		}).Debug("state transition")
	}
	r.state = state
	o.tel.Metrics.RecordStageTransition(string(state))
	telemetry.AddRunEvent(r.span, string(state), ev.Message)

	ev.RunID = r.id
	ev.FunctionID = r.functionID
	ev.State = state
	ev.Time = o.clock.Now()

	if err := r.progress.emit(r.ctx, ev); err != nil {
		r.logger.WithError(err).Debug("progress event dropped")
	}

	if !state.IsTerminal() {
		data := map[string]interface{}{}
		if ev.TaskID != "" {
			data["task_id"] = ev.TaskID
		}
		if ev.Attempt > 0 {
			data["attempt"] = ev.Attempt
			data["phase"] = string(ev.Phase)
		}
		_ = o.tel.Events.PublishRunProgress(r.id, r.functionID, string(state), ev.Message, data)
	}

	if r.record != nil && state != StatePreparing {
		o.recordEvent(r, state, ev.Message, ev.Attempt)
	}
}

func (o *Orchestrator) recordEvent(r *run, state State, message string, attempt int) {
	err := o.history.AppendEvent(context.WithoutCancel(r.ctx), &stores.DeployEvent{
		RunID:     r.id,
		Stage:     string(state),
		Message:   message,
		Attempt:   attempt,
		CreatedAt: o.clock.Now(),
	})
	if err != nil {
		r.logger.WithError(err).Warn("failed to append deploy event")
	}
}

// finish reconciles a failed run, reports the terminal state and releases the function.
func (o *Orchestrator) finish(r *run, endpoint string, err error) (string, error) {
	defer r.cancel()
	defer o.inflight.release(r.functionID, r.id)
	defer r.span.End()

	var de *DeployError
	if err != nil {
		if !errors.As(err, &de) {
			de = newError(KindRemoteUnavailable, r.functionID, "deployment failed", err)
		}
		de.TaskID = r.task.TaskID
		de.Attempts = r.task.Attempts
		if de.FunctionID == "" {
			de.FunctionID = r.functionID
		}
		if r.touched && needsFailedWrite(de.Kind) {
			if rerr := o.markFailed(r); rerr != nil {
				de.Reconciliation = rerr
			}
		}
		err = de
	}

	state := stateForError(err)
	ev := Event{TaskID: r.task.TaskID, Endpoint: endpoint}
	if err == nil {
		ev.Message = fmt.Sprintf("Deployed at %s", endpoint)
		telemetry.RecordSuccess(r.span)
	} else {
		ev.Message = de.Message
		ev.Error = err.Error()
		ev.Endpoint = de.Endpoint
		r.span.SetAttributes(telemetry.AttrErrorKind.String(string(de.Kind)))
		telemetry.RecordError(r.span, err)
	}
	o.enter(r, state, ev)

	duration := o.clock.Since(r.started)
	outcome := outcomeForState(state)
	o.tel.Metrics.RecordRunCompleted(string(r.kind), string(outcome), duration)
	_ = o.tel.Events.PublishRunFinished(r.id, r.functionID, string(outcome), duration, err)
	o.saveOutcome(r, outcome, endpoint, de)

	logger := r.logger.WithFields(map[string]interface{}{
		"outcome":  string(outcome),
		"attempts": r.task.Attempts,
		"duration": duration.String(),
	})
	if err != nil {
		logger.WithError(err).Warn("run finished")
		if de.Reconciliation != nil {
			r.logger.WithError(de.Reconciliation).Error("failed to record failed status")
		}
		return "", err
	}
	logger.WithField("endpoint", endpoint).Info("run finished")
	return endpoint, nil
}

// needsFailedWrite reports whether a failure of this kind marks the record failed.
// Cancellation and a pending endpoint leave the in-progress status in place.
func needsFailedWrite(kind ErrorKind) bool {
	switch kind {
	case KindCancelled, KindEndpointPending, KindRecordReconciliationFailed, KindAlreadyDeploying:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) markFailed(r *run) error {
	_, err := o.records.ApplyPatch(context.WithoutCancel(r.ctx), r.functionID, stores.Patch{
		Status:        stores.Ptr(stores.StatusFailed),
		InvocationURL: stores.Ptr(null.String{}),
	})
	if err != nil {
		o.tel.Metrics.RecordReconciliationFailure(string(stores.StatusFailed))
		return fmt.Errorf("failed to mark function as failed: %w", err)
	}
	_ = o.tel.Events.PublishStatusChanged(r.functionID, string(r.status), string(stores.StatusFailed))
	r.status = stores.StatusFailed
	return nil
}

func (o *Orchestrator) saveOutcome(r *run, outcome stores.RunOutcome, endpoint string, de *DeployError) {
	if r.record == nil {
		return
	}
	rec := r.record
	rec.Outcome = outcome
	rec.TaskID = null.NewString(r.task.TaskID, r.task.TaskID != "")
	rec.ImageRef = r.task.ImageRef
	rec.AppName = null.NewString(r.appName, r.appName != "")
	rec.Attempts = r.task.Attempts
	rec.CompletedAt = null.TimeFrom(o.clock.Now())
	if endpoint != "" {
		rec.Endpoint = null.StringFrom(endpoint)
	}
	if de != nil {
		rec.Error = null.StringFrom(de.Error())
		if de.Endpoint != "" {
			rec.Endpoint = null.StringFrom(de.Endpoint)
		}
		if de.ImageRef != "" {
			rec.ImageRef = null.StringFrom(de.ImageRef)
		}
	}
	if err := o.history.SaveRun(context.WithoutCancel(r.ctx), rec); err != nil {
		r.logger.WithError(err).Warn("failed to save deploy run outcome")
	}
}

func outcomeForState(s State) stores.RunOutcome {
	switch s {
	case StateSucceeded:
		return stores.RunOutcomeSucceeded
	case StateTimedOut:
		return stores.RunOutcomeTimedOut
	case StateEndpointPending:
		return stores.RunOutcomeEndpointPending
	case StateCancelled:
		return stores.RunOutcomeCancelled
	default:
		return stores.RunOutcomeFailed
	}
}
