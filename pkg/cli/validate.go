package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/query-sandbox/pkg/services"
)

// ErrInvalidQuery is returned by validate when the text has violations, so
// the process exits non-zero after the report is printed.
var ErrInvalidQuery = errors.New("query text failed safety validation")

// NewValidateCommand creates the validate command. It needs no database.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|->",
		Short: "Check query text against the safety rules",
		Long: `Reads query text from a file, or from stdin when the argument is "-",
and prints every safety rule violation as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			report := services.ValidateQueryText(strings.TrimSpace(text))
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Valid {
				return ErrInvalidQuery
			}
			return nil
		},
	}
}

func readSource(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}
