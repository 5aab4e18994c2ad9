package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/pistonsync/internal/config"
)

// ValidationResult holds the validation result of one configuration file.
type ValidationResult struct {
	File   string                   `json:"file"`
	Valid  bool                     `json:"valid"`
	Errors []config.ValidationError `json:"errors,omitempty"`
	Game   *config.Game             `json:"game,omitempty"` // resolved configuration when valid
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config.cue...]",
		Short: "Validate game configuration files",
		Long: `Check game configuration files against the schema.

Reports syntax errors, schema violations and cross-field problems such as
a grid with an odd number of cells. Without arguments the file given with
--config is checked.

Exit codes:
  0 - Every file is valid
  1 - A file has problems
  2 - Command error (no file given)

Examples:
  pistons validate game.cue
  pistons validate small.cue large.cue --format json`,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if len(files) == 0 {
		if opts.Config == "" {
			return outputValidateError(formatter, ErrCodeConfig, "no configuration file: pass one or use --config", nil)
		}
		files = []string{opts.Config}
	}

	results := make([]ValidationResult, 0, len(files))
	failed := 0
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)
		res := validateFile(file)
		if !res.Valid {
			failed++
		}
		results = append(results, res)
	}

	if formatter.JSON() {
		if failed > 0 {
			first := firstProblem(results)
			_ = formatter.Failure(first.Code, first.Message, results)
			return NewExitError(ExitFailure, fmt.Sprintf("validation failed in %d file(s)", failed))
		}
		return formatter.Success(results)
	}

	w := formatter.Writer
	for _, res := range results {
		if res.Valid {
			fmt.Fprintf(w, "✓ %s\n", res.File)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", res.File)
		for _, e := range res.Errors {
			if e.Line > 0 {
				fmt.Fprintf(w, "  line %d\n", e.Line)
			}
			fmt.Fprintf(w, "    %s: %s: %s\n", e.Code, e.Field, e.Message)
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed in %d file(s)", failed))
	}
	return nil
}

func validateFile(file string) ValidationResult {
	g, err := config.Load(file)
	if err == nil {
		return ValidationResult{File: file, Valid: true, Game: &g}
	}
	var errs config.ValidationErrors
	if !errors.As(err, &errs) {
		errs = config.ValidationErrors{{Field: file, Message: err.Error(), Code: ErrCodeGeneric}}
	}
	return ValidationResult{File: file, Errors: errs}
}

func firstProblem(results []ValidationResult) config.ValidationError {
	for _, r := range results {
		if len(r.Errors) > 0 {
			return r.Errors[0]
		}
	}
	return config.ValidationError{Code: ErrCodeGeneric, Message: "validation failed"}
}

// outputValidateError outputs a command-level error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}
