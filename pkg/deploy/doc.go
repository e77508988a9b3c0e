// Package deploy implements the deployment orchestrator.
//
// A deploy run moves one function through a fixed state machine:
//
//	Idle -> Preparing -> Building -> Polling(n) -> Deploying -> Succeeded
//	                                                        \-> EndpointPending
//	           any stage -> Failed | TimedOut | Cancelled
//
// The orchestrator packages the source, triggers a remote build, polls the
// build task on an injectable clock, deploys the resulting image and writes the
// outcome to the function record. Only one run per function may be in flight;
// a second request fails with AlreadyDeploying before touching the store.
//
// Terminal build failures mark the record failed before returning. A
// cancelled run and an EndpointPending run leave the status as it was
// (building or deploying), and EndpointPending can be resumed with Resume,
// which re-issues only the deploy step.
//
// Progress is reported on a bounded channel owned by the caller:
//
//	progress := deploy.NewProgress(32)
//	go func() {
//		for ev := range progress.Events() {
//			fmt.Println(ev.State, ev.Message)
//		}
//	}()
//	endpoint, err := orch.Deploy(ctx, deploy.Request{FunctionID: id}, progress)
//
// All errors returned by the orchestrator are *DeployError values and can be
// matched with errors.Is against the Err* sentinels.
package deploy
