package commands

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/emptypb"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show bus-wide statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := statsClient.CallUnary(cmd.Context(),
				connect.NewRequest(&emptypb.Empty{}))
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			out, err := formatStats(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format stats: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
