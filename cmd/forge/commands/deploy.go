package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnforge/fnforge/pkg/deploy"
)

func newDeployCommand(version string) *cobra.Command {
	var sourceFile string

	cmd := &cobra.Command{
		Use:   "deploy FUNCTION_ID",
		Short: "Deploy a function and wait for its endpoint",
		Long: `Deploy a function in the foreground.

This command:
  - Claims the function so no other run can deploy it concurrently
  - Checks admission policies
  - Packages the source and triggers a remote build
  - Polls the build task until it finishes or the attempt ceiling is hit
  - Deploys the built image and records the endpoint

Progress is printed as it happens. Interrupting the command cancels the run.
When the cluster has not assigned an endpoint yet the app name and image are
printed so the deploy can be resumed.`,
		Example: `  # Deploy the stored source of a function
  forge deploy 3f2a9c1e-7d4b-4e8a-9a51-2f0c6e8b1d47

  # Deploy a local file instead of the stored source
  forge deploy 3f2a9c1e-7d4b-4e8a-9a51-2f0c6e8b1d47 --source handler.py`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := deploy.Request{FunctionID: args[0]}
			if sourceFile != "" {
				data, err := os.ReadFile(sourceFile)
				if err != nil {
					return fmt.Errorf("failed to read source: %w", err)
				}
				req.SourceCode = string(data)
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().
				Str("function_id", req.FunctionID).
				Bool("source_override", req.SourceCode != "").
				Msg("Deploying function")

			progress := deploy.NewProgress(a.cfg.Deploy.ProgressBuffer)
			done := printProgress(progress)
			endpoint, err := a.orch.Deploy(cmd.Context(), req, progress)
			<-done

			return reportOutcome(req.FunctionID, endpoint, err)
		},
	}

	cmd.Flags().StringVarP(&sourceFile, "source", "s", "", "deploy this file instead of the stored source")

	return cmd
}

func newResumeCommand(version string) *cobra.Command {
	var (
		appName  string
		imageRef string
	)

	cmd := &cobra.Command{
		Use:   "resume FUNCTION_ID",
		Short: "Re-issue the deploy step for an already built image",
		Long: `Resume a deploy that ended waiting for an endpoint.

Only the deploy step runs: the image is not rebuilt. Use the app name and image
printed by the deploy command or stored in the deploy history.`,
		Example: `  # Resume a pending deploy
  forge resume 3f2a9c1e-7d4b-4e8a-9a51-2f0c6e8b1d47 \
    --app-name hello-7f3a --image registry.fnforge.local/hello-7f3a@sha256:4be1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			req := deploy.ResumeRequest{FunctionID: args[0], AppName: appName, ImageRef: imageRef}

			log.Info().
				Str("function_id", req.FunctionID).
				Str("app_name", appName).
				Str("image", imageRef).
				Msg("Resuming deploy")

			progress := deploy.NewProgress(a.cfg.Deploy.ProgressBuffer)
			done := printProgress(progress)
			endpoint, err := a.orch.Resume(cmd.Context(), req, progress)
			<-done

			return reportOutcome(req.FunctionID, endpoint, err)
		},
	}

	cmd.Flags().StringVar(&appName, "app-name", "", "app name returned by the previous deploy")
	cmd.Flags().StringVar(&imageRef, "image", "", "built image reference")
	_ = cmd.MarkFlagRequired("app-name")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

// printProgress prints run events until the run closes the channel.
func printProgress(p *deploy.Progress) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range p.Events() {
			if jsonOutput {
				_ = printJSON(ev)
				continue
			}
			line := fmt.Sprintf("[%s] %s", ev.State, ev.Message)
			if ev.Attempt > 0 {
				line = fmt.Sprintf("%s (attempt %d)", line, ev.Attempt)
			}
			fmt.Println(line)
		}
	}()
	return done
}

func reportOutcome(functionID, endpoint string, err error) error {
	if err == nil {
		fmt.Printf("\n✓ Function %s deployed at %s\n", functionID, endpoint)
		return nil
	}

	var de *deploy.DeployError
	if !errors.As(err, &de) {
		return err
	}

	switch de.Kind {
	case deploy.KindEndpointPending:
		fmt.Printf("\nDeploy accepted but no endpoint is assigned yet. Resume with:\n")
		fmt.Printf("  forge resume %s --app-name %s --image %s\n", functionID, de.AppName, de.ImageRef)
	case deploy.KindRecordReconciliationFailed:
		fmt.Printf("\nFunction is live at %s but the record could not be updated.\n", de.Endpoint)
	case deploy.KindBuildTimeout:
		fmt.Printf("\nBuild task %s did not finish after %d polls. It may still be running.\n", de.TaskID, de.Attempts)
	}
	if de.Reconciliation != nil {
		log.Error().Err(de.Reconciliation).Msg("Failed to record failed status")
	}
	return err
}
