package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"taskwarden/internal/core"
)

func newAbortCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort the current task",
		Long: `Marks the task aborted. A live run picks the marker up at the next
step boundary; a paused or parked task is aborted directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return usageErr(err)
			}
			st, err := app.openStore(cmd.Context())
			if err != nil {
				return usageErr(fmt.Errorf("open state store: %w", err))
			}
			defer st.Close()

			_, rec := app.controller(st)
			outcome, err := rec.Abort(cmd.Context(), reason)
			if err != nil {
				if errors.Is(err, core.ErrStateNotFound) {
					return usageErr(errors.New("no task to abort"))
				}
				return usageErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", outcome.Action, outcome.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator abort", "Reason recorded in the journal")
	return cmd
}
