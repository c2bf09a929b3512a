package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
)

// ExecuteOptions holds flags shared by execute and estimate.
type ExecuteOptions struct {
	Limit int
	Vars  []string
	IDs   bool
}

// NewExecuteCommand creates the execute command.
func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{}

	cmd := &cobra.Command{
		Use:   "execute <id|name>",
		Short: "Run a stored query definition and print the matching users",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			vars, err := ParseVars(opts.Vars)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := resolveDefinition(cmd.Context(), a.definitions, args[0])
			if err != nil {
				return err
			}

			execOpts := services.ExecuteOptions{Limit: opts.Limit, Variables: vars}
			if opts.IDs {
				ids, err := a.executor.ExecuteIDs(cmd.Context(), def, execOpts)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), ids)
			}

			users, err := a.executor.Execute(cmd.Context(), def, execOpts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), users)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of users (0 = global ceiling)")
	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "variable value as name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.IDs, "ids", false, "print only the user ids")

	return cmd
}

// NewEstimateCommand creates the estimate command.
func NewEstimateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{}

	cmd := &cobra.Command{
		Use:   "estimate <id|name>",
		Short: "Print the planner's row estimate for a stored query definition",
		Long: `Prints the planner's row estimate for a stored query definition.
An estimate of 0 means the estimate was unavailable; details are logged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := ParseVars(opts.Vars)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := resolveDefinition(cmd.Context(), a.definitions, args[0])
			if err != nil {
				return err
			}

			return writeJSON(cmd.OutOrStdout(), map[string]int64{
				"estimated_rows": a.estimator.Estimate(cmd.Context(), def, vars),
			})
		},
	}

	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "variable value as name=value (repeatable)")

	return cmd
}

// ParseVars turns name=value flags into variables. Values stay strings; the
// substitutor converts them to the declared type.
func ParseVars(pairs []string) (models.Variables, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(models.Variables, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: expected name=value", pair)
		}
		if _, dup := vars[name]; dup {
			return nil, fmt.Errorf("variable %q given more than once", name)
		}
		vars[name] = value
	}
	return vars, nil
}

// resolveDefinition accepts either a definition ID or its unique name.
func resolveDefinition(ctx context.Context, svc services.QueryDefinitionService, ref string) (*models.QueryDefinition, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return svc.Get(ctx, id)
	}
	return svc.GetByName(ctx, ref)
}
