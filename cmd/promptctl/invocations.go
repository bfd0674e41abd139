package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func invocationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invocations",
		Short: "Inspect invocation records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Print one invocation record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid invocation ID %q", args[0])
			}

			svcs, closeAll, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			inv, err := svcs.Invocations.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(inv)
		},
	})
	return cmd
}
