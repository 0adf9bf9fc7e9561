package commands

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/emptypb"
)

func nameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "name",
		Short: "Inspect well-known bus names",
	}

	cmd.AddCommand(nameListCmd())

	return cmd
}

// --- name list ---

func nameListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all owned well-known names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := listNamesClient.CallUnary(cmd.Context(),
				connect.NewRequest(&emptypb.Empty{}))
			if err != nil {
				return fmt.Errorf("list names: %w", err)
			}

			out, err := formatNames(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format names: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
