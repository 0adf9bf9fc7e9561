package commands

import (
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wirebus/gobusd/internal/adminserver"
)

// The admin surface is served as hand-registered Connect procedures over
// protobuf well-known types, so the clients are plain connect.Client
// values over the same types -- no generated bindings involved.
var (
	statsClient     *connect.Client[emptypb.Empty, structpb.Struct]
	listPeersClient *connect.Client[emptypb.Empty, structpb.Struct]
	listNamesClient *connect.Client[emptypb.Empty, structpb.Struct]
	killPeerClient  *connect.Client[structpb.Struct, emptypb.Empty]
)

// initClients builds one client per admin procedure against addr.
// Called from the root command's PersistentPreRunE.
func initClients(addr string) {
	base := "http://" + addr
	statsClient = connect.NewClient[emptypb.Empty, structpb.Struct](
		http.DefaultClient, base+adminserver.ProcedureGetStats)
	listPeersClient = connect.NewClient[emptypb.Empty, structpb.Struct](
		http.DefaultClient, base+adminserver.ProcedureListPeers)
	listNamesClient = connect.NewClient[emptypb.Empty, structpb.Struct](
		http.DefaultClient, base+adminserver.ProcedureListNames)
	killPeerClient = connect.NewClient[structpb.Struct, emptypb.Empty](
		http.DefaultClient, base+adminserver.ProcedureKillPeer)
}
