package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fnforge/fnforge/pkg/deploy"
	"github.com/fnforge/fnforge/pkg/policy"
)

func newPolicyCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
		Long: `Inspect the Rego admission policies that gate every deploy.

Built-in policies are always loaded. Files under policy.paths are loaded next
to them and policy.disabled switches policies off by name.`,
	}

	cmd.AddCommand(newPolicyListCommand(version))
	cmd.AddCommand(newPolicyCheckCommand(version))

	return cmd
}

func newPolicyListCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := policyEngine(cmd.Context(), version)
			if err != nil {
				return err
			}

			policies := engine.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tBUILTIN\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n", p.Name, p.Severity, p.Enabled, p.Builtin, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPolicyCheckCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "check FUNCTION_ID",
		Short: "Evaluate admission for a function without deploying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.policies == nil {
				fmt.Println("Admission policies are disabled")
				return nil
			}

			rec, err := a.records.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get function: %w", err)
			}

			input := deploy.NewAdmissionInput(rec, deploy.AppName(rec.Name), a.cfg.Deploy)
			result, err := a.policies.Evaluate(cmd.Context(), input)
			if err != nil {
				return fmt.Errorf("failed to evaluate policies: %w", err)
			}

			if jsonOutput {
				return printJSON(result)
			}

			for _, v := range result.Violations {
				fmt.Printf("✗ [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
				if v.Remediation != "" {
					fmt.Printf("    %s\n", v.Remediation)
				}
			}
			for _, v := range result.Warnings {
				fmt.Printf("! [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			}
			if !result.Allowed {
				return fmt.Errorf("deploy of %s would be denied", rec.Name)
			}
			fmt.Printf("✓ Deploy of %s would be admitted (%d policies evaluated)\n", rec.Name, len(result.EvaluatedPolicies))
			return nil
		},
	}
}

// policyEngine builds an engine from configuration alone, without opening stores.
func policyEngine(ctx context.Context, version string) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Policy.Enabled = true

	a := &app{cfg: cfg}
	cfg.Telemetry.ServiceVersion = version
	tel, err := newCLITelemetry(cfg)
	if err != nil {
		return nil, err
	}
	a.tel = tel
	if err := a.loadPolicies(ctx); err != nil {
		return nil, err
	}
	return a.policies, nil
}
