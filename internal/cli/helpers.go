package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lherron/upm/internal/cli/appctx"
	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/render"
	"github.com/spf13/cobra"
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code:
// 2 for configuration errors, the carried code for an ExitError, 1 otherwise.
func ExitCode(err error) int {
	var ee *ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.Code
	case errors.Is(err, domain.ErrConfig):
		return 2
	default:
		return 1
	}
}

// selectMigrations resolves the selectors of a command. Without selectors,
// --all or a group is required so that a bare command never touches every
// migration by accident.
func selectMigrations(app *appctx.App, args []string, group string, all bool) ([]string, error) {
	if len(args) == 0 && group == "" && !all {
		return nil, exitError(2, fmt.Errorf("no migrations selected: pass ids, globs, group:<name>, --group or --all"))
	}
	ids, err := app.Manager.Select(args, group)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, exitError(2, fmt.Errorf("no migrations match %s", strings.Join(args, " ")))
	}
	return ids, nil
}

// formatIDs joins id values for table output.
func formatIDs(ids []any) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, v := range ids {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// stringArgs converts command arguments to id values.
func stringArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

func jsonOut(cmd *cobra.Command, v any) error {
	return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: render.FormatJSON}).RenderJSON(v)
}
