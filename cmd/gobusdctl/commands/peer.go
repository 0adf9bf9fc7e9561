package commands

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Inspect and manage bus peers",
	}

	cmd.AddCommand(peerListCmd())
	cmd.AddCommand(peerKillCmd())

	return cmd
}

// --- peer list ---

func peerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all connected peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := listPeersClient.CallUnary(cmd.Context(),
				connect.NewRequest(&emptypb.Empty{}))
			if err != nil {
				return fmt.Errorf("list peers: %w", err)
			}

			out, err := formatPeers(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format peers: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- peer kill ---

func peerKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <unique-name>",
		Short: "Force-disconnect a peer by its unique name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := structpb.NewStruct(map[string]any{
				"unique_name": args[0],
			})
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			if _, err := killPeerClient.CallUnary(cmd.Context(), connect.NewRequest(req)); err != nil {
				return fmt.Errorf("kill peer %s: %w", args[0], err)
			}

			fmt.Printf("peer %s disconnected\n", args[0])

			return nil
		},
	}
}
