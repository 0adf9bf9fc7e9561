// Package adminserver exposes the broker's introspection and control
// surface over ConnectRPC.
//
// The handlers are registered by hand with connect.NewUnaryHandler over
// protobuf well-known types (structpb.Struct, emptypb.Empty), the same
// pre-compiled message types connectrpc.com/grpchealth itself ships
// with, so the surface needs no generated bindings. Each RPC is a thin
// adapter over the bus's snapshot methods.
package adminserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wirebus/gobusd/internal/bus"
)

// Procedure paths served by the admin service. The CLI client dials the
// same constants.
const (
	ProcedureGetStats  = "/gobusd.v1.AdminService/GetStats"
	ProcedureListPeers = "/gobusd.v1.AdminService/ListPeers"
	ProcedureListNames = "/gobusd.v1.AdminService/ListNames"
	ProcedureKillPeer  = "/gobusd.v1.AdminService/KillPeer"
)

// AdminServer answers the admin RPCs against one live Bus.
type AdminServer struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// New creates the admin server and mounts every procedure on a mux.
func New(b *bus.Bus, logger *slog.Logger, opts ...connect.HandlerOption) http.Handler {
	srv := &AdminServer{
		bus:    b,
		logger: logger.With(slog.String("component", "adminserver")),
	}

	mux := http.NewServeMux()
	mux.Handle(ProcedureGetStats, connect.NewUnaryHandler(
		ProcedureGetStats, srv.getStats, opts...))
	mux.Handle(ProcedureListPeers, connect.NewUnaryHandler(
		ProcedureListPeers, srv.listPeers, opts...))
	mux.Handle(ProcedureListNames, connect.NewUnaryHandler(
		ProcedureListNames, srv.listNames, opts...))
	mux.Handle(ProcedureKillPeer, connect.NewUnaryHandler(
		ProcedureKillPeer, srv.killPeer, opts...))
	return mux
}

func (s *AdminServer) getStats(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	s.logger.InfoContext(ctx, "GetStats called")

	stats := s.bus.Stats()
	payload, err := structpb.NewStruct(map[string]any{
		"guid":                s.bus.GUID(),
		"peers_active":        float64(stats.PeersActive),
		"next_peer_id":        float64(stats.NextPeerID),
		"broadcast_tx_count":  float64(stats.BroadcastTxCount),
		"outstanding_replies": float64(stats.OutstandingReplies),
		"owned_names":         float64(stats.OwnedNames),
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode stats: %w", err))
	}
	return connect.NewResponse(payload), nil
}

func (s *AdminServer) listPeers(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	s.logger.InfoContext(ctx, "ListPeers called")

	peers := s.bus.Peers()
	entries := make([]any, 0, len(peers))
	for _, p := range peers {
		owned := make([]any, 0, len(p.OwnedNames))
		for _, n := range p.OwnedNames {
			owned = append(owned, n)
		}
		entries = append(entries, map[string]any{
			"id":          float64(p.ID),
			"unique_name": p.UniqueName,
			"uid":         float64(p.UID),
			"pid":         float64(p.PID),
			"state":       p.State,
			"owned_names": owned,
			"match_rules": float64(p.MatchRules),
		})
	}

	payload, err := structpb.NewStruct(map[string]any{"peers": entries})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode peers: %w", err))
	}
	return connect.NewResponse(payload), nil
}

func (s *AdminServer) listNames(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	s.logger.InfoContext(ctx, "ListNames called")

	names := s.bus.Names()
	entries := make([]any, 0, len(names))
	for _, n := range names {
		entries = append(entries, map[string]any{
			"name":      n.Name,
			"owner":     n.Owner,
			"queue_len": float64(n.QueueLen),
		})
	}

	payload, err := structpb.NewStruct(map[string]any{"names": entries})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode names: %w", err))
	}
	return connect.NewResponse(payload), nil
}

func (s *AdminServer) killPeer(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[emptypb.Empty], error) {
	uniqueName := req.Msg.GetFields()["unique_name"].GetStringValue()
	s.logger.InfoContext(ctx, "KillPeer called", slog.String("unique_name", uniqueName))

	if uniqueName == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errMissingUniqueName)
	}
	if err := s.bus.KillPeer(uniqueName); err != nil {
		return nil, mapBusError(err, "kill peer")
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// errMissingUniqueName indicates a KillPeer request without a target.
var errMissingUniqueName = errors.New("unique_name must be provided")

// mapBusError translates bus errors into appropriate ConnectRPC error codes.
func mapBusError(err error, operation string) *connect.Error {
	switch {
	case errors.Is(err, bus.ErrPeerNotFound):
		return connect.NewError(connect.CodeNotFound,
			fmt.Errorf("%s: %w", operation, err))
	case errors.Is(err, bus.ErrBusClosed):
		return connect.NewError(connect.CodeUnavailable,
			fmt.Errorf("%s: %w", operation, err))
	default:
		return connect.NewError(connect.CodeInternal,
			fmt.Errorf("%s: %w", operation, err))
	}
}
