package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetctl/odc/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		command    string
		status     string
		limit      int
		offset     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past commands",
		Long: `List the commands the controller ran, newest first.

History is kept in the controller's sqlite store and survives restarts.`,
		Example: `  # Last 20 commands
  odc history

  # Failed Start commands as JSON
  odc history --command Start --status error --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmds, err := newClient().History(cmd.Context(), stores.CommandFilter{
				Command: command,
				Status:  stores.CommandStatus(status),
				Limit:   limit,
				Offset:  offset,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cmds)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tCOMMAND\tSTATUS\tTIME\tSESSION\tMESSAGE")
			for _, c := range cmds {
				msg := c.Message
				if c.Status == stores.CommandStatusError {
					msg = c.ErrorMsg
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					c.StartedAt.Local().Format(time.DateTime),
					c.Command,
					c.Status,
					time.Duration(c.ExecTimeMs)*time.Millisecond,
					shortID(c.SessionID),
					msg,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "only this command (Initialize, ConfigureRun, Start, ...)")
	cmd.Flags().StringVar(&status, "status", "", "only this status (ok, error)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
