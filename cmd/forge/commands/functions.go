package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnforge/fnforge/pkg/stores"
)

func newFunctionsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "functions",
		Aliases: []string{"fn"},
		Short:   "Manage function records",
		Long: `Create, list and delete function records in the configured store.

Records carry the source, runtime settings and the deploy-owned status and
endpoint. Use "forge deploy" to build and deploy a record.`,
	}

	cmd.AddCommand(newFunctionsCreateCommand(version))
	cmd.AddCommand(newFunctionsListCommand(version))
	cmd.AddCommand(newFunctionsDeleteCommand(version))

	return cmd
}

func newFunctionsCreateCommand(version string) *cobra.Command {
	var (
		workspace   string
		name        string
		description string
		runtime     string
		sourceFile  string
		memory      int
		timeout     int
		methods     []string
		env         []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a function record",
		Example: `  # Create a Python function from a file
  forge functions create --workspace ws-1 --name hello --source handler.py

  # Create a Node.js function with environment variables
  forge functions create --workspace ws-1 --name greeter --runtime "Node.js 20" \
    --source index.js --env GREETING=hi --memory 512`,
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(sourceFile)
			if err != nil {
				return fmt.Errorf("failed to read source: %w", err)
			}

			vars := make(map[string]string, len(env))
			for _, kv := range env {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid environment variable %q, expected KEY=VALUE", kv)
				}
				vars[k] = v
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			rec := &stores.FunctionRecord{
				ID:                   uuid.NewString(),
				WorkspaceID:          workspace,
				Name:                 name,
				Description:          description,
				Runtime:              runtime,
				Memory:               memory,
				Timeout:              timeout,
				HTTPMethods:          methods,
				EnvironmentVariables: vars,
				SourceCode:           string(source),
				Status:               stores.StatusActive,
			}
			if err := a.records.Create(cmd.Context(), rec); err != nil {
				return fmt.Errorf("failed to create function: %w", err)
			}

			log.Info().Str("function_id", rec.ID).Str("name", rec.Name).Msg("Function created")

			if jsonOutput {
				return printJSON(rec)
			}
			fmt.Printf("✓ Created function %s (%s)\n", rec.Name, rec.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVarP(&name, "name", "n", "", "function name")
	cmd.Flags().StringVar(&description, "description", "", "function description")
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "Python 3.12", "runtime")
	cmd.Flags().StringVarP(&sourceFile, "source", "s", "", "source file")
	cmd.Flags().IntVar(&memory, "memory", 256, "memory in MB")
	cmd.Flags().IntVar(&timeout, "timeout", 30, "timeout in seconds")
	cmd.Flags().StringSliceVar(&methods, "method", []string{"GET", "POST"}, "allowed HTTP methods")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "environment variable KEY=VALUE")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func newFunctionsListCommand(version string) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the functions of a workspace",
		Example: `  forge functions list --workspace ws-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.records.ListByWorkspace(cmd.Context(), workspace)
			if err != nil {
				return fmt.Errorf("failed to list functions: %w", err)
			}

			if jsonOutput {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Println("No functions found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRUNTIME\tSTATUS\tENDPOINT")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Runtime, r.Status, r.InvocationURL.ValueOrZero())
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func newFunctionsDeleteCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete FUNCTION_ID",
		Short: "Delete a function record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.records.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete function: %w", err)
			}
			fmt.Printf("✓ Deleted function %s\n", args[0])
			return nil
		},
	}

	return cmd
}

func newStatusCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status FUNCTION_ID",
		Short: "Show a function's status and endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.records.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get function: %w", err)
			}

			if jsonOutput {
				return printJSON(rec)
			}
			fmt.Printf("Function:  %s (%s)\n", rec.Name, rec.ID)
			fmt.Printf("Workspace: %s\n", rec.WorkspaceID)
			fmt.Printf("Runtime:   %s, %d MB, %ds\n", rec.Runtime, rec.Memory, rec.Timeout)
			fmt.Printf("Status:    %s\n", rec.Status)
			if rec.InvocationURL.Valid {
				fmt.Printf("Endpoint:  %s\n", rec.InvocationURL.String)
			}
			if rec.LastDeployed.Valid {
				fmt.Printf("Deployed:  %s\n", rec.LastDeployed.Time.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	return cmd
}
