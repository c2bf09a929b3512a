package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	DryRun bool
}

// ImportResult summarizes one bundle entry.
type ImportResult struct {
	Name   string `json:"name"`
	Action string `json:"action"` // created, updated, valid, failed
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{}

	cmd := &cobra.Command{
		Use:   "import <bundle.yaml|->",
		Short: "Create or update query definitions from a YAML bundle",
		Long: `Creates each definition in the bundle, or updates it in place when a
definition with the same name exists. With --dry-run the entries are only
validated and nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			bundle, err := ParseBundle(strings.NewReader(src))
			if err != nil {
				return err
			}

			if opts.DryRun {
				return reportImport(cmd.OutOrStdout(), dryRunBundle(bundle))
			}

			a, err := newApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			results := importBundle(cmd.Context(), a.definitions, bundle, a.logger)
			return reportImport(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate the bundle without writing")

	return cmd
}

// importBundle upserts every entry by name. Entries are independent: one
// failure does not stop the rest.
func importBundle(ctx context.Context, svc services.QueryDefinitionService, bundle *Bundle, logger *zap.Logger) []ImportResult {
	results := make([]ImportResult, 0, len(bundle.Definitions))
	for _, d := range bundle.Definitions {
		result := ImportResult{Name: d.Name}

		existing, err := svc.GetByName(ctx, d.Name)
		switch {
		case err == nil:
			req, convErr := d.UpdateRequest()
			if convErr != nil {
				err = convErr
				break
			}
			def, updErr := svc.Update(ctx, existing.ID, req)
			if err = updErr; err == nil {
				result.Action, result.ID = "updated", def.ID.String()
			}
		case errors.Is(err, apperrors.ErrNotFound):
			req, convErr := d.CreateRequest()
			if convErr != nil {
				err = convErr
				break
			}
			def, createErr := svc.Create(ctx, req)
			if err = createErr; err == nil {
				result.Action, result.ID = "created", def.ID.String()
			}
		}

		if err != nil {
			logger.Warn("Failed to import query definition",
				zap.String("name", d.Name),
				zap.Error(err))
			result.Action, result.Error = "failed", err.Error()
		}
		results = append(results, result)
	}
	return results
}

func dryRunBundle(bundle *Bundle) []ImportResult {
	results := make([]ImportResult, 0, len(bundle.Definitions))
	for _, d := range bundle.Definitions {
		result := ImportResult{Name: d.Name, Action: "valid"}
		if err := validateBundleDefinition(d); err != nil {
			result.Action, result.Error = "failed", err.Error()
		}
		results = append(results, result)
	}
	return results
}

func validateBundleDefinition(d BundleDefinition) error {
	req, err := d.CreateRequest()
	if err != nil {
		return err
	}
	in := services.DefinitionInput{
		Name:               req.Name,
		Description:        req.Description,
		QueryText:          req.QueryText,
		VariableSchema:     req.VariableSchema,
		DefaultVariables:   req.DefaultVariables,
		MaxExecutionTimeMs: models.DefaultMaxExecutionTimeMs,
		Active:             true,
	}
	if req.MaxExecutionTimeMs != nil {
		in.MaxExecutionTimeMs = *req.MaxExecutionTimeMs
	}
	_, err = services.ValidateDefinition(in)
	return err
}

func reportImport(w io.Writer, results []ImportResult) error {
	if err := writeJSON(w, results); err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Action == "failed" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions failed", failed, len(results))
	}
	return nil
}
