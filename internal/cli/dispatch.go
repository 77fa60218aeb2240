package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newDispatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <reminder-id>",
		Short: "Send one reminder now unless it was already sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid reminder id %q", args[0])
			}
			a, err := oneShot(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out, err := a.Dispatcher().Dispatch(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reminder %d: %s\n", id, out)
			return nil
		},
	}
}
